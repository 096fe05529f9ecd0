package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/genstudio/internal/config"
	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/repository"
)

type memPlans struct {
	plans map[int64]*models.Plan
}

func (m *memPlans) GetByID(_ context.Context, id int64) (*models.Plan, error) {
	p, ok := m.plans[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memPlans) GetDefault(_ context.Context) (*models.Plan, error) {
	var best *models.Plan
	for _, p := range m.plans {
		if p.IsActive && (best == nil || p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

type memPayments struct {
	mu       sync.Mutex
	payments []*models.Payment
}

func (m *memPayments) Record(_ context.Context, p *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.Provider == p.Provider && existing.ProviderCharge == p.ProviderCharge {
			return false, nil
		}
	}
	p.ID = int64(len(m.payments) + 1)
	cp := *p
	m.payments = append(m.payments, &cp)
	return true, nil
}

func (m *memPayments) Charge(_ context.Context, provider, charge string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Provider == provider && p.ProviderCharge == charge {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (m *memPayments) Settle(_ context.Context, provider, charge, status, payload string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Provider == provider && p.ProviderCharge == charge && p.Status != models.PaymentPaid {
			p.Status, p.RawPayload = status, payload
			return true, nil
		}
	}
	return false, nil
}

type memAccounts struct {
	plans map[int64]*int64
}

func (m *memAccounts) GetByID(_ context.Context, id int64) (*models.User, error) {
	planID, ok := m.plans[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &models.User{ID: id, PlanID: planID}, nil
}

func (m *memAccounts) SetPlan(_ context.Context, userID int64, planID *int64) error {
	if _, ok := m.plans[userID]; !ok {
		return repository.ErrUserNotFound
	}
	m.plans[userID] = planID
	return nil
}

type billingHarness struct {
	svc      *BillingService
	ledger   *memLedger
	payments *memPayments
	accounts *memAccounts
}

func newBillingHarness(t *testing.T, cfg config.Config) *billingHarness {
	t.Helper()
	ledger := newMemLedger()
	ledger.addUser(userID, 0)
	plans := &memPlans{plans: map[int64]*models.Plan{
		1: {ID: 1, Title: "Pack", Credits: 50, Currency: "RUB", PriceMinorUnits: 29900, Interval: models.IntervalOneTime, IsActive: true},
		2: {ID: 2, Title: "Basic", Credits: 100, Currency: "RUB", PriceMinorUnits: 49900, Interval: models.IntervalMonthly, IsActive: true},
		3: {ID: 3, Title: "Pro", Credits: 300, Currency: "RUB", PriceMinorUnits: 99900, Interval: models.IntervalMonthly, IsActive: true},
	}}
	payments := &memPayments{}
	accounts := &memAccounts{plans: map[int64]*int64{userID: nil}}
	svc := NewBillingService(cfg, payments, plans, accounts, NewLedgerService(ledger, zerolog.Nop()), zerolog.Nop())
	return &billingHarness{svc: svc, ledger: ledger, payments: payments, accounts: accounts}
}

func TestApplyEventSubscriptionCreditsAndAssignsPlan(t *testing.T) {
	h := newBillingHarness(t, config.Config{})
	evt := BillingEvent{Type: EventSubscriptionActivated, UserID: userID, PlanID: 2, Provider: "stripe", EventID: "evt_1"}

	res, err := h.svc.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Credited)
	assert.Equal(t, 100, res.Balance)
	require.NotNil(t, h.accounts.plans[userID])
	assert.Equal(t, int64(2), *h.accounts.plans[userID])

	replay, err := h.svc.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, replay.Applied)
	assert.Zero(t, replay.Credited)
	assert.Equal(t, 100, replay.Balance)
	assert.Equal(t, 1, h.ledger.countKind(userID, models.LedgerPurchase))
}

func TestApplyEventRenewalIsANewCredit(t *testing.T) {
	h := newBillingHarness(t, config.Config{})
	_, err := h.svc.ApplyEvent(context.Background(), BillingEvent{Type: EventSubscriptionActivated, UserID: userID, PlanID: 2, Provider: "stripe", EventID: "evt_1"})
	require.NoError(t, err)

	res, err := h.svc.ApplyEvent(context.Background(), BillingEvent{Type: EventSubscriptionRenewed, UserID: userID, PlanID: 2, Provider: "stripe", EventID: "evt_2"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Balance)
}

func TestApplyEventPlanChangeCreditsUpgradeDifference(t *testing.T) {
	h := newBillingHarness(t, config.Config{})
	basic := int64(2)
	h.accounts.plans[userID] = &basic

	res, err := h.svc.ApplyEvent(context.Background(), BillingEvent{Type: EventPlanChanged, UserID: userID, PlanID: 3, Provider: "stripe", EventID: "evt_up"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Credited)
	assert.Equal(t, int64(3), *h.accounts.plans[userID])

	res, err = h.svc.ApplyEvent(context.Background(), BillingEvent{Type: EventPlanChanged, UserID: userID, PlanID: 2, Provider: "stripe", EventID: "evt_down"})
	require.NoError(t, err)
	assert.Zero(t, res.Credited)
	assert.Equal(t, 200, res.Balance)
	assert.Equal(t, int64(2), *h.accounts.plans[userID])
}

func TestApplyEventPurchaseLeavesPlanAlone(t *testing.T) {
	h := newBillingHarness(t, config.Config{})
	res, err := h.svc.ApplyEvent(context.Background(), BillingEvent{Type: EventPurchase, UserID: userID, PlanID: 1, Provider: "stripe", EventID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, 50, res.Balance)
	assert.Nil(t, res.PlanID)
	assert.Nil(t, h.accounts.plans[userID])
}

func TestApplyEventValidation(t *testing.T) {
	h := newBillingHarness(t, config.Config{})

	_, err := h.svc.ApplyEvent(context.Background(), BillingEvent{Type: "refund", UserID: userID, PlanID: 1, Provider: "stripe", EventID: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.ApplyEvent(context.Background(), BillingEvent{Type: EventPurchase, UserID: userID, PlanID: 1, Provider: "stripe"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.ApplyEvent(context.Background(), BillingEvent{Type: EventPurchase, UserID: userID, PlanID: 99, Provider: "stripe", EventID: "x"})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestYooKassaPaymentAndWebhook(t *testing.T) {
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotence-Key"))
		user, pass, ok := r.BasicAuth()
		gotAuth = ok && user == "shop" && pass == "secret"

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "299.00", body["amount"].(map[string]any)["value"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"yk-1","status":"pending","confirmation":{"type":"redirect","confirmation_url":"https://pay/yk-1"}}`))
	}))
	defer srv.Close()

	h := newBillingHarness(t, config.Config{YooKassaShopID: "shop", YooKassaSecretKey: "secret", YooKassaAPIURL: srv.URL})

	checkout, err := h.svc.CreateYooKassaPayment(context.Background(), userID, 0)
	require.NoError(t, err)
	assert.True(t, gotAuth)
	assert.Equal(t, "https://pay/yk-1", checkout.ConfirmationURL)
	assert.Equal(t, int64(1), checkout.Plan.ID)

	webhook := []byte(`{"event":"payment.succeeded","object":{"id":"yk-1","status":"succeeded"}}`)
	require.NoError(t, h.svc.HandleYooKassaWebhook(context.Background(), webhook))
	require.NoError(t, h.svc.HandleYooKassaWebhook(context.Background(), webhook))

	balance, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)
	pmt, _ := h.payments.Charge(context.Background(), "yookassa", "yk-1")
	assert.Equal(t, "paid", pmt.Status)

	// a late notification cannot reopen a paid charge
	late := []byte(`{"event":"payment.canceled","object":{"id":"yk-1","status":"canceled"}}`)
	require.NoError(t, h.svc.HandleYooKassaWebhook(context.Background(), late))
	pmt, _ = h.payments.Charge(context.Background(), "yookassa", "yk-1")
	assert.Equal(t, "paid", pmt.Status)
	balance, _ = h.ledger.Balance(context.Background(), userID)
	assert.Equal(t, 50, balance)
}

func TestYooKassaWebhookCancelledPaymentGrantsNothing(t *testing.T) {
	h := newBillingHarness(t, config.Config{})
	plan := int64(1)
	_, err := h.payments.Record(context.Background(), &models.Payment{UserID: userID, PlanID: &plan, Provider: "yookassa", ProviderCharge: "yk-2", Status: "pending"})
	require.NoError(t, err)

	err = h.svc.HandleYooKassaWebhook(context.Background(), []byte(`{"event":"payment.canceled","object":{"id":"yk-2","status":"canceled"}}`))
	require.NoError(t, err)

	balance, _ := h.ledger.Balance(context.Background(), userID)
	assert.Zero(t, balance)
	pmt, _ := h.payments.Charge(context.Background(), "yookassa", "yk-2")
	assert.Equal(t, "canceled", pmt.Status)

	err = h.svc.HandleYooKassaWebhook(context.Background(), []byte(`{"object":{"id":"unknown","status":"succeeded"}}`))
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRecordTelegramPaymentIsIdempotent(t *testing.T) {
	h := newBillingHarness(t, config.Config{})
	p := TelegramPayment{InvoicePayload: InvoicePayload(2), ChargeID: "tg-charge", Currency: "RUB", TotalAmount: 49900}

	res, err := h.svc.RecordTelegramPayment(context.Background(), userID, p)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Balance)
	assert.Equal(t, int64(2), *h.accounts.plans[userID])

	res, err = h.svc.RecordTelegramPayment(context.Background(), userID, p)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Balance)
	assert.Len(t, h.payments.payments, 1)
}
