package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/config"
	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/repository"
)

var ErrPaymentNotFound = repository.ErrPaymentNotFound

type BillingEventType string

const (
	EventSubscriptionActivated BillingEventType = "subscription_activated"
	EventSubscriptionRenewed   BillingEventType = "subscription_renewed"
	EventPurchase              BillingEventType = "purchase"
	EventPlanChanged           BillingEventType = "plan_changed"
)

const (
	providerYooKassa = "yookassa"
	providerTelegram = "telegram"
)

// BillingEvent is the effect of a payment-provider webhook once it has been verified
// and parsed by its handler. EventID must be unique per provider.
type BillingEvent struct {
	Type     BillingEventType `json:"type" validate:"required,oneof=subscription_activated subscription_renewed purchase plan_changed"`
	UserID   int64            `json:"user_id" validate:"required,gt=0"`
	PlanID   int64            `json:"plan_id" validate:"required,gt=0"`
	Provider string           `json:"provider" validate:"required,max=32"`
	EventID  string           `json:"event_id" validate:"required,max=128"`
}

type BillingResult struct {
	Credited int    `json:"credited"`
	Balance  int    `json:"balance"`
	Applied  bool   `json:"applied"`
	PlanID   *int64 `json:"plan_id,omitempty"`
}

// PaymentStore keys charges by (provider, charge id).
type PaymentStore interface {
	Record(ctx context.Context, payment *models.Payment) (bool, error)
	Charge(ctx context.Context, provider, chargeID string) (*models.Payment, error)
	Settle(ctx context.Context, provider, chargeID, status, payload string) (bool, error)
}

type PlanLookup interface {
	GetDefault(ctx context.Context) (*models.Plan, error)
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
}

type AccountStore interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	SetPlan(ctx context.Context, userID int64, planID *int64) error
}

type BillingService struct {
	cfg      config.Config
	payments PaymentStore
	plans    PlanLookup
	users    AccountStore
	ledger   *LedgerService
	validate *validator.Validate
	client   *http.Client
	log      zerolog.Logger
}

func NewBillingService(cfg config.Config, payments PaymentStore, plans PlanLookup, users AccountStore, ledger *LedgerService, log zerolog.Logger) *BillingService {
	return &BillingService{
		cfg:      cfg,
		payments: payments,
		plans:    plans,
		users:    users,
		ledger:   ledger,
		validate: newValidator(),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "billing").Logger(),
	}
}

func paymentReference(provider, eventID string) string {
	return "payment:" + provider + ":" + eventID
}

// ApplyEvent turns a billing event into ledger credits and plan assignment. Replaying
// the same provider event credits nothing twice.
//
// Activation and renewal credit the plan's pack and assign the plan; a purchase only
// credits. A plan change assigns the new plan and credits the difference when the new
// plan carries more credits than the current one.
func (s *BillingService) ApplyEvent(ctx context.Context, evt BillingEvent) (BillingResult, error) {
	if err := s.validate.Struct(evt); err != nil {
		return BillingResult{}, fmt.Errorf("%w: %s", ErrInvalidInput, validationMessage(err))
	}
	plan, err := s.plans.GetByID(ctx, evt.PlanID)
	if err != nil {
		return BillingResult{}, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return BillingResult{}, ErrPlanNotFound
	}

	var credits int
	assign := false
	switch evt.Type {
	case EventSubscriptionActivated, EventSubscriptionRenewed:
		credits, assign = plan.Credits, true
	case EventPurchase:
		credits = plan.Credits
	case EventPlanChanged:
		assign = true
		credits, err = s.upgradeDelta(ctx, evt.UserID, plan)
		if err != nil {
			return BillingResult{}, err
		}
	}

	log := s.log.With().Int64("user_id", evt.UserID).Str("event", string(evt.Type)).Str("provider", evt.Provider).Str("event_id", evt.EventID).Logger()
	result := BillingResult{}
	if credits > 0 {
		out, err := s.ledger.Credit(ctx, evt.UserID, credits, LedgerOp{
			Kind:        models.LedgerPurchase,
			Reference:   paymentReference(evt.Provider, evt.EventID),
			Description: fmt.Sprintf("%s: %s", evt.Type, plan.Title),
			Metadata:    map[string]any{"plan_id": plan.ID, "event": evt.Type, "provider": evt.Provider},
		})
		if err != nil {
			return BillingResult{}, err
		}
		result.Balance, result.Applied = out.Balance, out.Applied
		if out.Applied {
			result.Credited = credits
		}
	} else {
		balance, err := s.ledger.Balance(ctx, evt.UserID)
		if err != nil {
			return BillingResult{}, err
		}
		result.Balance = balance
	}

	if assign {
		planID := plan.ID
		if err := s.users.SetPlan(ctx, evt.UserID, &planID); err != nil {
			return BillingResult{}, fmt.Errorf("assign plan: %w", err)
		}
		result.PlanID = &planID
	}
	log.Info().Int("credited", result.Credited).Int("balance", result.Balance).Msg("billing event applied")
	return result, nil
}

func (s *BillingService) upgradeDelta(ctx context.Context, userID int64, next *models.Plan) (int, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get user: %w", err)
	}
	if user.PlanID == nil || *user.PlanID == next.ID {
		return 0, nil
	}
	current, err := s.plans.GetByID(ctx, *user.PlanID)
	if err != nil {
		return 0, fmt.Errorf("get current plan: %w", err)
	}
	if current == nil || next.Credits <= current.Credits {
		return 0, nil
	}
	return next.Credits - current.Credits, nil
}

// Checkout is a created provider payment awaiting confirmation by the user.
type Checkout struct {
	PaymentID       string       `json:"payment_id"`
	ConfirmationURL string       `json:"confirmation_url"`
	Plan            *models.Plan `json:"plan"`
}

// ResolvePlan returns the plan by id, or the default plan when planID is zero.
func (s *BillingService) ResolvePlan(ctx context.Context, planID int64) (*models.Plan, error) {
	var (
		plan *models.Plan
		err  error
	)
	if planID > 0 {
		plan, err = s.plans.GetByID(ctx, planID)
	} else {
		plan, err = s.plans.GetDefault(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil || !plan.IsActive {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// CreateYooKassaPayment opens a redirect payment and records it as pending.
func (s *BillingService) CreateYooKassaPayment(ctx context.Context, userID, planID int64) (*Checkout, error) {
	if s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}
	plan, err := s.ResolvePlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	returnURL := s.cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}
	payload := map[string]any{
		"amount": map[string]string{
			"value":    fmt.Sprintf("%.2f", float64(plan.PriceMinorUnits)/100),
			"currency": plan.Currency,
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"description": fmt.Sprintf("%s (%d credits)", plan.Title, plan.Credits),
		"metadata":    map[string]string{"user_id": strconv.FormatInt(userID, 10), "plan_id": strconv.FormatInt(plan.ID, 10)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode yookassa payment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.YooKassaAPIURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read yookassa response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("yookassa returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed yooPaymentResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}

	planRef := plan.ID
	if _, err := s.payments.Record(ctx, &models.Payment{
		UserID:         userID,
		PlanID:         &planRef,
		Provider:       providerYooKassa,
		ProviderCharge: parsed.ID,
		Currency:       plan.Currency,
		Amount:         plan.PriceMinorUnits,
		Status:         parsed.Status,
		RawPayload:     string(raw),
	}); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Str("payment_id", parsed.ID).Int64("plan_id", plan.ID).Msg("yookassa payment created")
	return &Checkout{PaymentID: parsed.ID, ConfirmationURL: parsed.Confirmation.URL, Plan: plan}, nil
}

// HandleYooKassaWebhook applies a payment notification. Only a succeeded payment
// grants credits; other statuses are recorded as is.
func (s *BillingService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("%w: parse webhook: %v", ErrInvalidInput, err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("%w: webhook missing payment id", ErrInvalidInput)
	}

	pmt, err := s.payments.Charge(ctx, providerYooKassa, evt.Object.ID)
	if err != nil {
		return err
	}
	if pmt.Status == models.PaymentPaid {
		return nil
	}

	if evt.Object.Status != "succeeded" {
		if _, err := s.payments.Settle(ctx, providerYooKassa, pmt.ProviderCharge, evt.Object.Status, string(payload)); err != nil {
			return err
		}
		return nil
	}
	if pmt.PlanID == nil {
		return fmt.Errorf("payment %s missing plan_id", pmt.ProviderCharge)
	}
	plan, err := s.plans.GetByID(ctx, *pmt.PlanID)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return ErrPlanNotFound
	}

	// the credit is keyed by the charge id, so a retry after a failed Settle is harmless
	if _, err := s.ApplyEvent(ctx, BillingEvent{
		Type:     eventForPlan(plan),
		UserID:   pmt.UserID,
		PlanID:   plan.ID,
		Provider: providerYooKassa,
		EventID:  pmt.ProviderCharge,
	}); err != nil {
		return err
	}
	if _, err := s.payments.Settle(ctx, providerYooKassa, pmt.ProviderCharge, models.PaymentPaid, string(payload)); err != nil {
		return err
	}
	return nil
}

// InvoicePayload is the opaque payload carried by a Telegram invoice for plan.
func InvoicePayload(planID int64) string {
	b, _ := json.Marshal(map[string]int64{"plan_id": planID})
	return string(b)
}

// TelegramPayment is a successful payment reported by the Telegram Bot API.
type TelegramPayment struct {
	InvoicePayload string
	ChargeID       string
	Currency       string
	TotalAmount    int
	Raw            string
}

// RecordTelegramPayment records a paid Telegram invoice and credits its plan.
func (s *BillingService) RecordTelegramPayment(ctx context.Context, userID int64, p TelegramPayment) (BillingResult, error) {
	var payload struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := json.Unmarshal([]byte(p.InvoicePayload), &payload); err != nil {
		return BillingResult{}, fmt.Errorf("%w: parse payment payload: %v", ErrInvalidInput, err)
	}
	plan, err := s.ResolvePlan(ctx, payload.PlanID)
	if err != nil {
		return BillingResult{}, err
	}

	planID := plan.ID
	if _, err := s.payments.Record(ctx, &models.Payment{
		UserID:         userID,
		PlanID:         &planID,
		Provider:       providerTelegram,
		ProviderCharge: p.ChargeID,
		Currency:       p.Currency,
		Amount:         p.TotalAmount,
		Status:         models.PaymentPaid,
		RawPayload:     p.Raw,
	}); err != nil {
		return BillingResult{}, err
	}

	return s.ApplyEvent(ctx, BillingEvent{
		Type:     eventForPlan(plan),
		UserID:   userID,
		PlanID:   plan.ID,
		Provider: providerTelegram,
		EventID:  p.ChargeID,
	})
}

func eventForPlan(plan *models.Plan) BillingEventType {
	if plan.Interval == models.IntervalMonthly || plan.Interval == models.IntervalYearly {
		return EventSubscriptionActivated
	}
	return EventPurchase
}
