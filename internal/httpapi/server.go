package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/service"
)

// Generations is the settlement surface exposed over HTTP.
type Generations interface {
	Start(ctx context.Context, req service.StartRequest) (*models.Generation, error)
	Reconcile(ctx context.Context, id string) (service.ReconcileResult, error)
	ReconcileAllForUser(ctx context.Context, userID int64) ([]models.Generation, error)
	ClearQueue(ctx context.Context, userID int64) (int, error)
	GetGeneration(ctx context.Context, userID int64, id string) (*models.Generation, error)
	ListHistory(ctx context.Context, userID int64, page service.Page) ([]models.Generation, error)
}

type Ledger interface {
	Balance(ctx context.Context, userID int64) (int, error)
	History(ctx context.Context, userID int64, page service.Page) ([]models.LedgerEntry, error)
	Audit(ctx context.Context, userID int64) (service.AuditReport, error)
}

type Plans interface {
	List(ctx context.Context) ([]models.Plan, error)
	Create(ctx context.Context, input service.CreatePlanInput) (*models.Plan, error)
	Update(ctx context.Context, id int64, input service.UpdatePlanInput) (*models.Plan, error)
	Delete(ctx context.Context, id int64) error
}

type Promos interface {
	List(ctx context.Context) ([]models.PromoCode, error)
	Create(ctx context.Context, code string, maxUses, credits int) (*models.PromoCode, error)
	Update(ctx context.Context, id int64, input service.UpdatePromoInput) (*models.PromoCode, error)
	Delete(ctx context.Context, id int64) error
	Redeem(ctx context.Context, userID int64, code string) (service.LedgerOutcome, error)
}

type Billing interface {
	ApplyEvent(ctx context.Context, evt service.BillingEvent) (service.BillingResult, error)
	CreateYooKassaPayment(ctx context.Context, userID, planID int64) (*service.Checkout, error)
	HandleYooKassaWebhook(ctx context.Context, payload []byte) error
}

type Assets interface {
	ListForGeneration(ctx context.Context, generationID string) ([]models.ArchivedAsset, error)
}

type Users interface {
	Create(ctx context.Context, username string) (*models.User, error)
}

type Params struct {
	Addr           string
	AdminUsername  string
	AdminPassword  string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
	Gatherer       prometheus.Gatherer

	Generations Generations
	Ledger      Ledger
	Plans       Plans
	Promos      Promos
	Billing     Billing
	Users       Users
	Assets      Assets
}

type Server struct {
	addr        string
	username    string
	password    string
	log         zerolog.Logger
	generations Generations
	ledger      Ledger
	plans       Plans
	promos      Promos
	billing     Billing
	users       Users
	assets      Assets
	router      *chi.Mux
}

func NewServer(p Params) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:        p.Addr,
		username:    p.AdminUsername,
		password:    p.AdminPassword,
		log:         p.Logger.With().Str("component", "http").Logger(),
		generations: p.Generations,
		ledger:      p.Ledger,
		plans:       p.Plans,
		promos:      p.Promos,
		billing:     p.Billing,
		users:       p.Users,
		assets:      p.Assets,
		router:      r,
	}
	r.Use(s.accessLog)
	if p.RequestTimeout > 0 {
		r.Use(middleware.Timeout(p.RequestTimeout))
	}

	metricsHandler := promhttp.Handler()
	if p.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", metricsHandler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhook/yookassa", s.handleYooKassaWebhook)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(requireUser)
		v1.Get("/quote", s.handleQuote)
		v1.Get("/balance", s.handleBalance)
		v1.Get("/ledger", s.handleLedger)
		v1.Post("/promo", s.handleRedeemPromo)
		v1.Post("/checkout", s.handleCheckout)
		v1.Route("/generations", func(g chi.Router) {
			g.Post("/", s.handleStart)
			g.Get("/", s.handleListGenerations)
			g.Post("/reconcile", s.handleReconcileAll)
			g.Post("/clear", s.handleClearQueue)
			g.Get("/{id}", s.handleGetGeneration)
			g.Post("/{id}/reconcile", s.handleReconcile)
			g.Get("/{id}/assets", s.handleListAssets)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())
		admin.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Post("/", s.handleCreatePlan)
			r.Put("/{id}", s.handleUpdatePlan)
			r.Delete("/{id}", s.handleDeletePlan)
		})
		admin.Route("/promo-codes", func(r chi.Router) {
			r.Get("/", s.handleListPromos)
			r.Post("/", s.handleCreatePromo)
			r.Put("/{id}", s.handleUpdatePromo)
			r.Delete("/{id}", s.handleDeletePromo)
		})
		admin.Post("/billing/events", s.handleBillingEvent)
		admin.Post("/users", s.handleCreateUser)
		admin.Post("/users/{id}/clear-queue", s.handleAdminClearQueue)
		admin.Get("/users/{id}/audit", s.handleAudit)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// long enough for a synchronous start with submit retries
		WriteTimeout: 90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("http api listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		log := s.log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

		next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="genstudio"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
