package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/genstudio/internal/models"
)

// PaymentRepository keeps one row per provider charge. The (provider, charge id) key
// turns a replayed provider notification into a no-op.
type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Record stores a new charge and reports false when the charge is already known.
func (r *PaymentRepository) Record(ctx context.Context, p *models.Payment) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO payments (user_id, plan_id, provider, provider_payment_charge_id, currency, amount, status, raw_payload)
VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
		p.UserID, p.PlanID, p.Provider, p.ProviderCharge, p.Currency, p.Amount, p.Status, p.RawPayload)
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record %s charge %s: %w", p.Provider, p.ProviderCharge, err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return false, fmt.Errorf("payment id: %w", err)
	}
	return true, nil
}

// Charge loads a charge by its provider key.
func (r *PaymentRepository) Charge(ctx context.Context, provider, chargeID string) (*models.Payment, error) {
	var (
		p       models.Payment
		planID  sql.NullInt64
		payload sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
SELECT id, user_id, plan_id, status, currency, amount, raw_payload, created_at, updated_at
FROM payments WHERE provider = ? AND provider_payment_charge_id = ?`, provider, chargeID).
		Scan(&p.ID, &p.UserID, &planID, &p.Status, &p.Currency, &p.Amount, &payload, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s charge %s", ErrPaymentNotFound, provider, chargeID)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s charge %s: %w", provider, chargeID, err)
	}
	p.Provider, p.ProviderCharge, p.RawPayload = provider, chargeID, payload.String
	if planID.Valid {
		p.PlanID = &planID.Int64
	}
	return &p, nil
}

// Settle moves an unpaid charge to status. It reports false when the charge is
// already paid or unknown, leaving the row untouched.
func (r *PaymentRepository) Settle(ctx context.Context, provider, chargeID, status, payload string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE payments SET status = ?, raw_payload = NULLIF(?, '')
WHERE provider = ? AND provider_payment_charge_id = ? AND status <> ?`,
		status, payload, provider, chargeID, models.PaymentPaid)
	if err != nil {
		return false, fmt.Errorf("settle %s charge %s: %w", provider, chargeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settle rows affected: %w", err)
	}
	return n > 0, nil
}
