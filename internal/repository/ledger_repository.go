package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/digkill/genstudio/internal/models"
)

// LedgerWrite is one balance movement. Amount is signed: negative for debits.
type LedgerWrite struct {
	UserID      int64
	Amount      int
	Kind        models.LedgerKind
	RelatedKind models.GenerationKind
	Reference   string
	Description string
	Metadata    json.RawMessage
}

// LedgerResult reports the balance after a write. Applied is false when the
// reference had already been recorded and nothing changed.
type LedgerResult struct {
	Balance int
	Applied bool
	EntryID int64
}

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) DB() *sql.DB {
	return r.db
}

// Apply runs a write in its own transaction.
func (r *LedgerRepository) Apply(ctx context.Context, w LedgerWrite) (LedgerResult, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return LedgerResult{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	res, err := r.ApplyTx(ctx, tx, w)
	if err != nil {
		if isDuplicateKey(err) {
			// lost a race on the reference; report the balance the winner left
			tx.Rollback()
			balance, balErr := r.Balance(ctx, w.UserID)
			if balErr != nil {
				return LedgerResult{}, balErr
			}
			return LedgerResult{Balance: balance}, nil
		}
		return LedgerResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return LedgerResult{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return res, nil
}

// ApplyTx locks the user row, updates the balance and appends the entry inside tx.
// The caller owns commit and rollback.
func (r *LedgerRepository) ApplyTx(ctx context.Context, tx *sql.Tx, w LedgerWrite) (LedgerResult, error) {
	var credits int
	row := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ? FOR UPDATE`, w.UserID)
	if err := row.Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerResult{}, ErrUserNotFound
		}
		return LedgerResult{}, fmt.Errorf("lock user balance: %w", err)
	}

	if w.Reference != "" {
		var existing int64
		row := tx.QueryRowContext(ctx, `SELECT id FROM ledger_entries WHERE reference = ?`, w.Reference)
		switch err := row.Scan(&existing); {
		case err == nil:
			return LedgerResult{Balance: credits, EntryID: existing}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return LedgerResult{}, fmt.Errorf("check ledger reference: %w", err)
		}
	}

	next := credits + w.Amount
	if next < 0 {
		return LedgerResult{Balance: credits}, ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET credits = ?, updated_at = NOW() WHERE id = ?`, next, w.UserID); err != nil {
		return LedgerResult{}, fmt.Errorf("update balance: %w", err)
	}

	const insert = `
INSERT INTO ledger_entries (user_id, amount, balance_after, kind, related_kind, reference, description, metadata)
VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`
	res, err := tx.ExecContext(ctx, insert, w.UserID, w.Amount, next, w.Kind, w.RelatedKind, w.Reference, w.Description, nullJSON(w.Metadata))
	if err != nil {
		if isDuplicateKey(err) {
			return LedgerResult{}, err
		}
		return LedgerResult{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return LedgerResult{}, fmt.Errorf("ledger last insert id: %w", err)
	}

	return LedgerResult{Balance: next, Applied: true, EntryID: id}, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, userID int64) (int, error) {
	var credits int
	row := r.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID)
	if err := row.Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return credits, nil
}

// Sum totals every entry of the user; it must equal Balance.
func (r *LedgerRepository) Sum(ctx context.Context, userID int64) (int, int, error) {
	var total, count int
	row := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM ledger_entries WHERE user_id = ?`, userID)
	if err := row.Scan(&total, &count); err != nil {
		return 0, 0, fmt.Errorf("sum ledger: %w", err)
	}
	return total, count, nil
}

func (r *LedgerRepository) HasReference(ctx context.Context, reference string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT 1 FROM ledger_entries WHERE reference = ?`, reference)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check ledger reference: %w", err)
	}
	return true, nil
}

// History returns entries newest first.
func (r *LedgerRepository) History(ctx context.Context, userID int64, limit, offset int) ([]models.LedgerEntry, error) {
	const query = `
SELECT id, user_id, amount, balance_after, kind, COALESCE(related_kind, ''), COALESCE(reference, ''), description, metadata, created_at
FROM ledger_entries
WHERE user_id = ?
ORDER BY id DESC
LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0, limit)
	for rows.Next() {
		var e models.LedgerEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &e.Kind, &e.RelatedKind, &e.Reference, &e.Description, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if len(metadata) > 0 {
			e.Metadata = json.RawMessage(metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
