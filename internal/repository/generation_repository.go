package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digkill/genstudio/internal/models"
)

// StatusPatch carries the columns written together with a status transition.
// Nil fields are left untouched.
type StatusPatch struct {
	Provider       *string
	Model          *string
	ExternalHandle *string
	ResultURL      *string
	ResultURLs     []string
	ErrorMessage   *string
	MarkCompleted  bool
}

type GenerationRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db, now: time.Now}
}

const generationColumns = `id, user_id, owner_ref, kind, status, prompt, provider, model, external_handle, cost,
result_url, result_urls, error_message, metadata, completed_at, created_at, updated_at`

func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) error {
	const query = `
INSERT INTO generations (id, user_id, owner_ref, kind, status, prompt, provider, model, cost, metadata)
VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, g.ID, g.UserID, g.OwnerRef, g.Kind, g.Status, g.Prompt, g.Provider, g.Model, g.Cost, nullJSON(g.Metadata)); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (r *GenerationRepository) GetByID(ctx context.Context, id string) (*models.Generation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGenerationNotFound
		}
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return g, nil
}

func (r *GenerationRepository) FindNonTerminalForUser(ctx context.Context, userID int64) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + `
FROM generations
WHERE user_id = ? AND status IN ('PENDING', 'PROCESSING')
ORDER BY created_at ASC`
	return r.list(ctx, query, userID)
}

// FindActiveForUser returns non-terminal records plus records completed after since.
func (r *GenerationRepository) FindActiveForUser(ctx context.Context, userID int64, since time.Time) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + `
FROM generations
WHERE user_id = ? AND (status IN ('PENDING', 'PROCESSING') OR (status = 'COMPLETED' AND updated_at >= ?))
ORDER BY created_at ASC`
	return r.list(ctx, query, userID, since)
}

func (r *GenerationRepository) ListForUser(ctx context.Context, userID int64, limit, offset int) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + `
FROM generations
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ? OFFSET ?`
	return r.list(ctx, query, userID, limit, offset)
}

func (r *GenerationRepository) ListProcessing(ctx context.Context, limit int) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + `
FROM generations
WHERE status = 'PROCESSING'
ORDER BY updated_at ASC
LIMIT ?`
	return r.list(ctx, query, limit)
}

// ListStalePending returns PENDING records created before olderThan.
func (r *GenerationRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + `
FROM generations
WHERE status = 'PENDING' AND created_at < ?
ORDER BY created_at ASC
LIMIT ?`
	return r.list(ctx, query, olderThan, limit)
}

// ListUnrefundedFailures returns failed, never-completed, paid records with no refund entry.
func (r *GenerationRepository) ListUnrefundedFailures(ctx context.Context, limit int) ([]models.Generation, error) {
	const query = `SELECT ` + generationColumns + `
FROM generations g
WHERE g.status = 'FAILED' AND g.cost > 0 AND g.completed_at IS NULL
  AND NOT EXISTS (
    SELECT 1 FROM ledger_entries l WHERE l.reference = CONCAT('generation:', g.id, ':refund')
  )
ORDER BY g.updated_at ASC
LIMIT ?`
	return r.list(ctx, query, limit)
}

// UpdateStatus moves a record from expected to next. It is a compare-and-set:
// when the row is no longer in expected it returns ErrReconciliationConflict.
func (r *GenerationRepository) UpdateStatus(ctx context.Context, id string, expected, next models.GenerationStatus, patch StatusPatch) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{next, r.now().UTC()}

	if patch.Provider != nil {
		sets = append(sets, "provider = ?")
		args = append(args, *patch.Provider)
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *patch.Model)
	}
	if patch.ExternalHandle != nil {
		sets = append(sets, "external_handle = ?")
		args = append(args, *patch.ExternalHandle)
	}
	if patch.ResultURL != nil {
		sets = append(sets, "result_url = ?")
		args = append(args, *patch.ResultURL)
	}
	if patch.ResultURLs != nil {
		encoded, err := json.Marshal(patch.ResultURLs)
		if err != nil {
			return fmt.Errorf("encode result urls: %w", err)
		}
		sets = append(sets, "result_urls = ?")
		args = append(args, encoded)
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.MarkCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, r.now().UTC())
	}

	query := `UPDATE generations SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, id, expected)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update generation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("generation rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	row := r.db.QueryRowContext(ctx, `SELECT 1 FROM generations WHERE id = ?`, id)
	if err := row.Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrGenerationNotFound
		}
		return fmt.Errorf("check generation: %w", err)
	}
	return ErrReconciliationConflict
}

func (r *GenerationRepository) list(ctx context.Context, query string, args ...any) ([]models.Generation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (*models.Generation, error) {
	var (
		g           models.Generation
		ownerRef    sql.NullString
		handle      sql.NullString
		resultURL   sql.NullString
		resultURLs  []byte
		errMessage  sql.NullString
		metadata    []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.UserID, &ownerRef, &g.Kind, &g.Status, &g.Prompt, &g.Provider, &g.Model, &handle, &g.Cost,
		&resultURL, &resultURLs, &errMessage, &metadata, &completedAt, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.OwnerRef = ownerRef.String
	g.ExternalHandle = handle.String
	g.ResultURL = resultURL.String
	g.ErrorMessage = errMessage.String
	g.ResultURLs = []string{}
	if len(resultURLs) > 0 {
		if err := json.Unmarshal(resultURLs, &g.ResultURLs); err != nil {
			return nil, fmt.Errorf("decode result urls: %w", err)
		}
	}
	if len(metadata) > 0 {
		g.Metadata = json.RawMessage(metadata)
	}
	if completedAt.Valid {
		t := completedAt.Time
		g.CompletedAt = &t
	}
	return &g, nil
}
