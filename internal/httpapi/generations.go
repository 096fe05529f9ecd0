package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/pricing"
	"github.com/digkill/genstudio/internal/provider"
	"github.com/digkill/genstudio/internal/service"
)

type startRequest struct {
	Kind            models.GenerationKind `json:"kind"`
	Prompt          string                `json:"prompt"`
	DurationSeconds *int                  `json:"duration_seconds,omitempty"`
	Inputs          provider.Inputs       `json:"inputs"`
	OwnerRef        string                `json:"owner_ref,omitempty"`
	Provider        string                `json:"provider,omitempty"`
}

// startFailure carries the FAILED record so the caller sees the refund happened.
type startFailure struct {
	Error      string             `json:"error"`
	Generation *models.Generation `json:"generation,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	rec, err := s.generations.Start(r.Context(), service.StartRequest{
		UserID:          userFrom(r.Context()),
		Kind:            req.Kind,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		Inputs:          req.Inputs,
		OwnerRef:        req.OwnerRef,
		Provider:        req.Provider,
	})
	if err != nil {
		if rec == nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, statusFor(err), startFailure{Error: err.Error(), Generation: rec})
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	rec, err := s.generations.GetGeneration(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.generations.GetGeneration(ctx, userFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.generations.Reconcile(ctx, rec.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.generations.GetGeneration(ctx, userFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	assets, err := s.assets.ListForGeneration(ctx, rec.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if assets == nil {
		assets = []models.ArchivedAsset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	recs, err := s.generations.ReconcileAllForUser(r.Context(), userFrom(r.Context()))
	if recs == nil {
		recs = []models.Generation{}
	}
	if err != nil {
		// partial results are still useful; the error names the failed records
		writeJSON(w, statusFor(err), map[string]any{"generations": recs, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": recs})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.clearQueue(w, r, userFrom(r.Context()))
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request, userID int64) {
	cleared, err := s.generations.ClearQueue(r.Context(), userID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	recs, err := s.generations.ListHistory(r.Context(), userFrom(r.Context()), page)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.Generation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Balance(r.Context(), userFrom(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	entries, err := s.ledger.History(r.Context(), userFrom(r.Context()), page)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var duration *int
	if raw := q.Get("duration"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "duration must be an integer")
			return
		}
		duration = &d
	}
	quote, err := pricing.QuoteFor(models.GenerationKind(q.Get("kind")), duration)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type promoRedeemRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleRedeemPromo(w http.ResponseWriter, r *http.Request) {
	var req promoRedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	out, err := s.promos.Redeem(r.Context(), userFrom(r.Context()), req.Code)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type checkoutRequest struct {
	PlanID int64 `json:"plan_id"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	checkout, err := s.billing.CreateYooKassaPayment(r.Context(), userFrom(r.Context()), req.PlanID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkout)
}
