package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/genstudio/internal/metrics"
	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/provider"
	"github.com/digkill/genstudio/internal/service"
)

type stubGenerations struct {
	start     func(service.StartRequest) (*models.Generation, error)
	records   map[string]models.Generation
	reconcile []string
	cleared   []int64
}

func (s *stubGenerations) Start(_ context.Context, req service.StartRequest) (*models.Generation, error) {
	return s.start(req)
}

func (s *stubGenerations) Reconcile(_ context.Context, id string) (service.ReconcileResult, error) {
	s.reconcile = append(s.reconcile, id)
	rec := s.records[id]
	rec.Status = models.StatusCompleted
	return service.ReconcileResult{Record: &rec, Transitioned: true}, nil
}

func (s *stubGenerations) ReconcileAllForUser(_ context.Context, userID int64) ([]models.Generation, error) {
	return []models.Generation{{ID: "g1", UserID: userID}}, fmt.Errorf("reconcile g2: %w", provider.ErrProviderUnavailable)
}

func (s *stubGenerations) ClearQueue(_ context.Context, userID int64) (int, error) {
	s.cleared = append(s.cleared, userID)
	return 3, nil
}

func (s *stubGenerations) GetGeneration(_ context.Context, userID int64, id string) (*models.Generation, error) {
	rec, ok := s.records[id]
	if !ok || rec.UserID != userID {
		return nil, service.ErrGenerationNotFound
	}
	return &rec, nil
}

func (s *stubGenerations) ListHistory(_ context.Context, userID int64, page service.Page) ([]models.Generation, error) {
	if page.Limit == 0 {
		return nil, nil
	}
	return []models.Generation{{ID: fmt.Sprintf("p%d-%d", page.Limit, page.Offset), UserID: userID}}, nil
}

type stubLedger struct{}

func (stubLedger) Balance(_ context.Context, userID int64) (int, error) {
	if userID == 404 {
		return 0, service.ErrUserNotFound
	}
	return 42, nil
}

func (stubLedger) History(context.Context, int64, service.Page) ([]models.LedgerEntry, error) {
	return nil, errors.New("db down")
}

func (stubLedger) Audit(_ context.Context, userID int64) (service.AuditReport, error) {
	return service.AuditReport{UserID: userID, Balance: 10, Sum: 10, Entries: 2}, nil
}

type stubPlans struct{ created []service.CreatePlanInput }

func (s *stubPlans) List(context.Context) ([]models.Plan, error) {
	return []models.Plan{{ID: 1, Title: "Pack", Credits: 50}}, nil
}

func (s *stubPlans) Create(_ context.Context, in service.CreatePlanInput) (*models.Plan, error) {
	s.created = append(s.created, in)
	if in.Credits <= 0 {
		return nil, fmt.Errorf("%w: credits must be positive", service.ErrInvalidInput)
	}
	return &models.Plan{ID: 2, Title: in.Title, Credits: in.Credits}, nil
}

func (s *stubPlans) Update(_ context.Context, id int64, _ service.UpdatePlanInput) (*models.Plan, error) {
	return nil, service.ErrPlanNotFound
}

func (s *stubPlans) Delete(context.Context, int64) error { return nil }

type stubPromos struct{}

func (stubPromos) List(context.Context) ([]models.PromoCode, error) { return nil, nil }

func (stubPromos) Create(_ context.Context, code string, maxUses, credits int) (*models.PromoCode, error) {
	return &models.PromoCode{ID: 1, Code: code, MaxUses: maxUses, Credits: credits}, nil
}

func (stubPromos) Update(context.Context, int64, service.UpdatePromoInput) (*models.PromoCode, error) {
	return nil, service.ErrPromoNotFound
}

func (stubPromos) Delete(context.Context, int64) error { return nil }

func (stubPromos) Redeem(_ context.Context, _ int64, code string) (service.LedgerOutcome, error) {
	if code == "USED" {
		return service.LedgerOutcome{}, service.ErrPromoAlreadyRedeemed
	}
	return service.LedgerOutcome{Balance: 25, Applied: true}, nil
}

type stubBilling struct {
	events   []service.BillingEvent
	webhooks int
}

func (s *stubBilling) ApplyEvent(_ context.Context, evt service.BillingEvent) (service.BillingResult, error) {
	s.events = append(s.events, evt)
	return service.BillingResult{Credited: 100, Balance: 100, Applied: true}, nil
}

func (s *stubBilling) CreateYooKassaPayment(_ context.Context, _, planID int64) (*service.Checkout, error) {
	if planID == 9 {
		return nil, service.ErrPlanNotFound
	}
	return &service.Checkout{PaymentID: "pay-1", ConfirmationURL: "https://pay.example/1"}, nil
}

func (s *stubBilling) HandleYooKassaWebhook(_ context.Context, payload []byte) error {
	s.webhooks++
	if !json.Valid(payload) {
		return fmt.Errorf("%w: parse webhook", service.ErrInvalidInput)
	}
	return nil
}

type stubUsers struct{}

func (stubUsers) Create(_ context.Context, username string) (*models.User, error) {
	return &models.User{ID: 11, Username: username}, nil
}

type stubAssets struct{}

func (stubAssets) ListForGeneration(_ context.Context, generationID string) ([]models.ArchivedAsset, error) {
	return []models.ArchivedAsset{{ID: 1, GenerationID: generationID, MimeType: "image/png"}}, nil
}

type fixture struct {
	srv         *httptest.Server
	generations *stubGenerations
	plans       *stubPlans
	billing     *stubBilling
	registry    *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &fixture{
		generations: &stubGenerations{records: map[string]models.Generation{
			"g1": {ID: "g1", UserID: 7, Status: models.StatusProcessing},
			"g9": {ID: "g9", UserID: 8, Status: models.StatusProcessing},
		}},
		plans:    &stubPlans{},
		billing:  &stubBilling{},
		registry: reg,
	}
	s := NewServer(Params{
		AdminUsername: "admin",
		AdminPassword: "secret",
		Logger:        zerolog.Nop(),
		Gatherer:      reg,
		Generations:   f.generations,
		Ledger:        stubLedger{},
		Plans:         f.plans,
		Promos:        stubPromos{},
		Billing:       f.billing,
		Users:         stubUsers{},
		Assets:        stubAssets{},
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, mutate func(*http.Request)) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if mutate != nil {
		mutate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func asUser(id string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-User-ID", id) }
}

func asAdmin(r *http.Request) { r.SetBasicAuth("admin", "secret") }

func TestUserRoutesRequireUserHeader(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/v1/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/balance", "", asUser("abc"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/v1/balance", "", asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"balance":42}`, string(body))

	resp, _ = f.do(t, http.MethodGet, "/v1/balance", "", asUser("404"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartMapsErrorsToStatus(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		err    error
		rec    *models.Generation
		status int
	}{
		{name: "accepted", status: http.StatusAccepted, rec: &models.Generation{ID: "new", Status: models.StatusProcessing}},
		{name: "insufficient", err: service.ErrInsufficientCredits, status: http.StatusPaymentRequired},
		{name: "invalid", err: fmt.Errorf("%w: prompt is required", service.ErrInvalidInput), status: http.StatusBadRequest},
		{name: "unavailable", err: fmt.Errorf("submit: %w", provider.ErrProviderUnavailable), status: http.StatusBadGateway,
			rec: &models.Generation{ID: "failed", Status: models.StatusFailed}},
		{name: "rejected", err: fmt.Errorf("submit: %w", provider.ErrProviderRejected), status: http.StatusUnprocessableEntity,
			rec: &models.Generation{ID: "failed", Status: models.StatusFailed}},
		{name: "internal", err: errors.New("db down"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got service.StartRequest
			f.generations.start = func(req service.StartRequest) (*models.Generation, error) {
				got = req
				return tc.rec, tc.err
			}
			resp, body := f.do(t, http.MethodPost, "/v1/generations", `{"kind":"video-from-text","prompt":"waves","duration_seconds":6}`, asUser("7"))
			assert.Equal(t, tc.status, resp.StatusCode, string(body))
			assert.Equal(t, int64(7), got.UserID)
			assert.Equal(t, models.KindVideoFromText, got.Kind)
			require.NotNil(t, got.DurationSeconds)
			assert.Equal(t, 6, *got.DurationSeconds)

			if tc.rec != nil && tc.err != nil {
				var failure startFailure
				require.NoError(t, json.Unmarshal(body, &failure))
				require.NotNil(t, failure.Generation)
				assert.Equal(t, models.StatusFailed, failure.Generation.Status)
			}
			if tc.status == http.StatusInternalServerError {
				assert.NotContains(t, string(body), "db down")
			}
		})
	}
}

func TestStartRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	f.generations.start = func(service.StartRequest) (*models.Generation, error) {
		t.Fatal("start must not be called")
		return nil, nil
	}
	resp, _ := f.do(t, http.MethodPost, "/v1/generations", `{"kind":"image-from-text","cost":0}`, asUser("7"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGenerationReadAndReconcileAreOwnerScoped(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/generations/g1", "", asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"g1"`)

	resp, _ = f.do(t, http.MethodGet, "/v1/generations/g9", "", asUser("7"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/generations/g9/reconcile", "", asUser("7"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.generations.reconcile)

	resp, body = f.do(t, http.MethodPost, "/v1/generations/g1/reconcile", "", asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res service.ReconcileResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.StatusCompleted, res.Record.Status)
	assert.Equal(t, []string{"g1"}, f.generations.reconcile)
}

func TestAssetsAreOwnerScoped(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/generations/g1/assets", "", asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"generation_id":"g1"`)

	resp, _ = f.do(t, http.MethodGet, "/v1/generations/g9/assets", "", asUser("7"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileAllReturnsPartialResults(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/generations/reconcile", "", asUser("7"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var out struct {
		Generations []models.Generation `json:"generations"`
		Error       string              `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Generations, 1)
	assert.Contains(t, out.Error, "g2")
}

func TestClearQueueUserAndAdmin(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/generations/clear", "", asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cleared":3}`, string(body))

	resp, _ = f.do(t, http.MethodPost, "/admin/users/12/clear-queue", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/users/12/clear-queue", "", asAdmin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{7, 12}, f.generations.cleared)
}

func TestListingsPaginateAndHideInternalErrors(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/generations?limit=5&offset=10", "", asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "p5-10")

	resp, body = f.do(t, http.MethodGet, "/v1/generations", "", asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = f.do(t, http.MethodGet, "/v1/generations?limit=-1", "", asUser("7"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/ledger", "", asUser("7"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"internal error"}`, string(body))
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/quote?kind=video-from-text&duration=6", "", asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"cost":50`)

	resp, _ = f.do(t, http.MethodGet, "/v1/quote?kind=video-from-text", "", asUser("7"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/quote?kind=hologram", "", asUser("7"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/quote?kind=lip-sync&duration=9223372036854775807", "", asUser("7"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPromoRedeemAndCheckout(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/promo", `{"code":"WELCOME"}`, asUser("7"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"balance":25,"applied":true}`, string(body))

	resp, _ = f.do(t, http.MethodPost, "/v1/promo", `{"code":"USED"}`, asUser("7"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/v1/checkout", `{"plan_id":1}`, asUser("7"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(body), "pay.example")

	resp, _ = f.do(t, http.MethodPost, "/v1/checkout", `{"plan_id":9}`, asUser("7"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminPlansAndPromos(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/admin/plans/", "", asAdmin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Pack")

	resp, _ = f.do(t, http.MethodPost, "/admin/plans/", `{"title":"Pro","credits":300,"price_minor_units":99900,"interval":"monthly"}`, asAdmin)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, f.plans.created, 1)
	assert.Equal(t, models.IntervalMonthly, f.plans.created[0].Interval)

	resp, _ = f.do(t, http.MethodPost, "/admin/plans/", `{"title":"Free"}`, asAdmin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/admin/plans/5", `{"title":"Gone"}`, asAdmin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/admin/plans/x", "", asAdmin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/admin/plans/5", "", asAdmin)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/admin/promo-codes/", "", asAdmin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, body = f.do(t, http.MethodPost, "/admin/promo-codes/", `{"code":"SPRING","max_uses":10,"credits":15}`, asAdmin)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(body), `"credits":15`)

	resp, _ = f.do(t, http.MethodPut, "/admin/promo-codes/3", `{"uses":1}`, asAdmin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminBillingEventsUsersAndAudit(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/admin/billing/events",
		`{"type":"subscription_activated","user_id":7,"plan_id":2,"provider":"stripe","event_id":"evt_1"}`, asAdmin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"credited":100`)
	require.Len(t, f.billing.events, 1)
	assert.Equal(t, service.EventSubscriptionActivated, f.billing.events[0].Type)
	assert.Equal(t, "evt_1", f.billing.events[0].EventID)

	resp, body = f.do(t, http.MethodPost, "/admin/users", `{"username":"ana"}`, asAdmin)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":11,"username":"ana","credits":0}`, string(body))

	resp, _ = f.do(t, http.MethodPost, "/admin/users", `{"username":" "}`, asAdmin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/admin/users/7/audit", "", asAdmin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"drift":0`)

	resp, _ = f.do(t, http.MethodGet, "/admin/users/7/audit", "", func(r *http.Request) { r.SetBasicAuth("admin", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Basic realm="genstudio"`, resp.Header.Get("WWW-Authenticate"))
}

func TestYooKassaWebhook(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/webhook/yookassa", `{"event":"payment.succeeded","object":{"id":"p1","status":"succeeded"}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, _ = f.do(t, http.MethodPost, "/webhook/yookassa", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 2, f.billing.webhooks)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	lifecycle := metrics.NewLifecycle(f.registry)
	lifecycle.Started(string(models.KindImageFromText), "kie")

	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "image-from-text")
}

func TestStatusForUnknownIsInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("wrap: %w", service.ErrReconciliationConflict)))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(service.ErrGenerationTimeout))
}
