package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/repository"
)

var (
	ErrPromoInvalid         = errors.New("promo code invalid")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
	ErrPromoExhausted       = repository.ErrPromoExhausted
	ErrPromoNotFound        = errors.New("promo code not found")
)

type PromoService struct {
	promos       *repository.PromoRepository
	ledger       *repository.LedgerRepository
	bonusCredits int
	log          zerolog.Logger
}

func NewPromoService(promos *repository.PromoRepository, ledger *repository.LedgerRepository, bonusCredits int, log zerolog.Logger) *PromoService {
	return &PromoService{
		promos:       promos,
		ledger:       ledger,
		bonusCredits: bonusCredits,
		log:          log.With().Str("component", "promo").Logger(),
	}
}

func promoReference(promoID, userID int64) string {
	return fmt.Sprintf("promo:%d:user:%d", promoID, userID)
}

// Redeem claims the code for the user and credits its bonus in the same transaction,
// so a redemption without a ledger entry cannot exist.
func (s *PromoService) Redeem(ctx context.Context, userID int64, code string) (LedgerOutcome, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return LedgerOutcome{}, ErrPromoInvalid
	}
	promo, err := s.promos.GetByCode(ctx, code)
	if err != nil {
		return LedgerOutcome{}, fmt.Errorf("get promo: %w", err)
	}
	if promo == nil {
		return LedgerOutcome{}, ErrPromoInvalid
	}

	credits := promo.Credits
	if credits <= 0 {
		credits = s.bonusCredits
	}
	if credits <= 0 {
		return LedgerOutcome{}, fmt.Errorf("promo %s: %w", promo.Code, ErrInvalidAmount)
	}

	tx, err := s.promos.DB().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return LedgerOutcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	switch err := s.promos.ClaimTx(ctx, tx, userID, promo.ID); {
	case errors.Is(err, repository.ErrDuplicate):
		return LedgerOutcome{}, ErrPromoAlreadyRedeemed
	case err != nil:
		return LedgerOutcome{}, err
	}

	metadata, _ := json.Marshal(map[string]any{"promo_code_id": promo.ID, "code": promo.Code})
	res, err := s.ledger.ApplyTx(ctx, tx, repository.LedgerWrite{
		UserID:      userID,
		Amount:      credits,
		Kind:        models.LedgerCredit,
		Reference:   promoReference(promo.ID, userID),
		Description: "promo code " + promo.Code,
		Metadata:    metadata,
	})
	if err != nil {
		return LedgerOutcome{}, fmt.Errorf("credit promo bonus: %w", err)
	}
	if !res.Applied {
		return LedgerOutcome{}, ErrPromoAlreadyRedeemed
	}

	if err := tx.Commit(); err != nil {
		return LedgerOutcome{}, fmt.Errorf("commit promo tx: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Str("code", promo.Code).Int("credits", credits).Msg("promo redeemed")
	return LedgerOutcome{Balance: res.Balance, Applied: true}, nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	return s.promos.GetByID(ctx, id)
}

// Create adds a code. credits of zero falls back to the configured bonus at redemption.
func (s *PromoService) Create(ctx context.Context, code string, maxUses, credits int) (*models.PromoCode, error) {
	code = strings.TrimSpace(code)
	if code == "" || maxUses <= 0 || credits < 0 {
		return nil, fmt.Errorf("%w: code, positive max_uses and non-negative credits required", ErrInvalidInput)
	}
	promo, err := s.promos.Create(ctx, &models.PromoCode{Code: code, MaxUses: maxUses, Credits: credits})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, fmt.Errorf("%w: code %q already exists", ErrInvalidInput, code)
	}
	return promo, err
}

type UpdatePromoInput struct {
	Code    *string `json:"code"`
	MaxUses *int    `json:"max_uses"`
	Uses    *int    `json:"uses"`
	Credits *int    `json:"credits"`
}

func (s *PromoService) Update(ctx context.Context, id int64, input UpdatePromoInput) (*models.PromoCode, error) {
	existing, err := s.promos.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPromoNotFound
	}
	if input.Code != nil && strings.TrimSpace(*input.Code) != "" {
		existing.Code = strings.TrimSpace(*input.Code)
	}
	if input.MaxUses != nil && *input.MaxUses > 0 {
		existing.MaxUses = *input.MaxUses
	}
	if input.Uses != nil && *input.Uses >= 0 {
		existing.Uses = *input.Uses
	}
	if input.Credits != nil && *input.Credits >= 0 {
		existing.Credits = *input.Credits
	}
	if existing.Uses > existing.MaxUses {
		return nil, fmt.Errorf("%w: uses cannot exceed max_uses", ErrInvalidInput)
	}
	return s.promos.Update(ctx, existing)
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}
