package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/repository"
)

var (
	ErrInsufficientCredits = repository.ErrInsufficientCredits
	ErrUserNotFound        = repository.ErrUserNotFound
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// LedgerStore is the persistence the ledger needs; *repository.LedgerRepository implements it.
type LedgerStore interface {
	Apply(ctx context.Context, w repository.LedgerWrite) (repository.LedgerResult, error)
	Balance(ctx context.Context, userID int64) (int, error)
	Sum(ctx context.Context, userID int64) (int, int, error)
	History(ctx context.Context, userID int64, limit, offset int) ([]models.LedgerEntry, error)
	HasReference(ctx context.Context, reference string) (bool, error)
}

// LedgerOp describes why a balance moves. Reference, when set, makes the
// operation idempotent: a second op with the same reference changes nothing.
type LedgerOp struct {
	Kind        models.LedgerKind
	RelatedKind models.GenerationKind
	Reference   string
	Description string
	Metadata    map[string]any
}

type LedgerOutcome struct {
	Balance int  `json:"balance"`
	Applied bool `json:"applied"`
}

type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// AuditReport compares the stored balance with the sum of the user's entries.
type AuditReport struct {
	UserID  int64 `json:"user_id"`
	Balance int   `json:"balance"`
	Sum     int   `json:"ledger_sum"`
	Entries int   `json:"entries"`
	Drift   int   `json:"drift"`
}

type LedgerService struct {
	store LedgerStore
	log   zerolog.Logger
}

func NewLedgerService(store LedgerStore, log zerolog.Logger) *LedgerService {
	return &LedgerService{store: store, log: log.With().Str("component", "ledger").Logger()}
}

// Deduct removes amount from the balance atomically or fails with ErrInsufficientCredits.
func (s *LedgerService) Deduct(ctx context.Context, userID int64, amount int, op LedgerOp) (LedgerOutcome, error) {
	if amount <= 0 {
		return LedgerOutcome{}, ErrInvalidAmount
	}
	if op.Kind == "" {
		op.Kind = models.LedgerDebit
	}
	return s.apply(ctx, userID, -amount, op)
}

// Credit adds amount. Kind defaults to CREDIT; PURCHASE and REFUND are also accepted.
func (s *LedgerService) Credit(ctx context.Context, userID int64, amount int, op LedgerOp) (LedgerOutcome, error) {
	if amount <= 0 {
		return LedgerOutcome{}, ErrInvalidAmount
	}
	switch op.Kind {
	case "":
		op.Kind = models.LedgerCredit
	case models.LedgerCredit, models.LedgerPurchase, models.LedgerRefund:
	default:
		return LedgerOutcome{}, fmt.Errorf("credit with kind %s: %w", op.Kind, ErrInvalidAmount)
	}
	return s.apply(ctx, userID, amount, op)
}

// Refund returns credits for a failed operation.
func (s *LedgerService) Refund(ctx context.Context, userID int64, amount int, related models.GenerationKind, description, reference string, metadata map[string]any) (LedgerOutcome, error) {
	return s.Credit(ctx, userID, amount, LedgerOp{
		Kind:        models.LedgerRefund,
		RelatedKind: related,
		Reference:   reference,
		Description: description,
		Metadata:    metadata,
	})
}

func (s *LedgerService) Balance(ctx context.Context, userID int64) (int, error) {
	return s.store.Balance(ctx, userID)
}

func (s *LedgerService) History(ctx context.Context, userID int64, page Page) ([]models.LedgerEntry, error) {
	page = page.normalize()
	return s.store.History(ctx, userID, page.Limit, page.Offset)
}

func (s *LedgerService) HasReference(ctx context.Context, reference string) (bool, error) {
	return s.store.HasReference(ctx, reference)
}

func (s *LedgerService) Audit(ctx context.Context, userID int64) (AuditReport, error) {
	balance, err := s.store.Balance(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	sum, count, err := s.store.Sum(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{UserID: userID, Balance: balance, Sum: sum, Entries: count, Drift: balance - sum}
	if report.Drift != 0 {
		s.log.Error().Int64("user_id", userID).Int("balance", balance).Int("ledger_sum", sum).Msg("ledger drift detected")
	}
	return report, nil
}

func (s *LedgerService) apply(ctx context.Context, userID int64, amount int, op LedgerOp) (LedgerOutcome, error) {
	w := repository.LedgerWrite{
		UserID:      userID,
		Amount:      amount,
		Kind:        op.Kind,
		RelatedKind: op.RelatedKind,
		Reference:   op.Reference,
		Description: op.Description,
	}
	if len(op.Metadata) > 0 {
		encoded, err := json.Marshal(op.Metadata)
		if err != nil {
			return LedgerOutcome{}, fmt.Errorf("encode ledger metadata: %w", err)
		}
		w.Metadata = encoded
	}

	res, err := s.store.Apply(ctx, w)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return LedgerOutcome{Balance: res.Balance}, err
		}
		return LedgerOutcome{}, fmt.Errorf("apply %s: %w", op.Kind, err)
	}
	if !res.Applied {
		s.log.Info().Int64("user_id", userID).Str("reference", op.Reference).Msg("ledger reference already applied")
	}
	return LedgerOutcome{Balance: res.Balance, Applied: res.Applied}, nil
}
