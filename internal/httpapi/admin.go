package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/service"
)

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.plans.List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePlanInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	plan, err := s.plans.Create(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req service.UpdatePlanInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	plan, err := s.plans.Update(r.Context(), id, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.plans.Delete(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPromos(w http.ResponseWriter, r *http.Request) {
	promos, err := s.promos.List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if promos == nil {
		promos = []models.PromoCode{}
	}
	writeJSON(w, http.StatusOK, promos)
}

type promoRequest struct {
	Code    string `json:"code"`
	MaxUses int    `json:"max_uses"`
	Credits int    `json:"credits"`
}

func (s *Server) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	promo, err := s.promos.Create(r.Context(), req.Code, req.MaxUses, req.Credits)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, promo)
}

func (s *Server) handleUpdatePromo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req service.UpdatePromoInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	promo, err := s.promos.Update(r.Context(), id, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promo)
}

func (s *Server) handleDeletePromo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.promos.Delete(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBillingEvent applies a billing effect pushed by an upstream payment system.
func (s *Server) handleBillingEvent(w http.ResponseWriter, r *http.Request) {
	var evt service.BillingEvent
	if err := decodeJSON(r, &evt); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.billing.ApplyEvent(r.Context(), evt)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createUserRequest struct {
	Username string `json:"username"`
}

type userView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Credits  int    `json:"credits"`
	PlanID   *int64 `json:"plan_id,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	user, err := s.users.Create(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userView{ID: user.ID, Username: user.Username, Credits: user.Credits, PlanID: user.PlanID})
}

func (s *Server) handleAdminClearQueue(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.clearQueue(w, r, id)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	report, err := s.ledger.Audit(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleYooKassaWebhook is the public endpoint for YooKassa payment notifications.
func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body error")
		return
	}
	if err := s.billing.HandleYooKassaWebhook(r.Context(), body); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("yookassa webhook")
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
