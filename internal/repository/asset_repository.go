package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/genstudio/internal/models"
)

type AssetRepository struct {
	db *sql.DB
}

func NewAssetRepository(db *sql.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

const assetColumns = `id, user_id, generation_id, title, prompt, original_url, url_hash, local_path, file_name, file_size,
width, height, duration, mime_type, created_at`

// FindByURLHash returns nil when the output has not been archived yet.
func (r *AssetRepository) FindByURLHash(ctx context.Context, generationID, urlHash string) (*models.ArchivedAsset, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM archived_assets WHERE generation_id = ? AND url_hash = ?`, generationID, urlHash)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find asset: %w", err)
	}
	return a, nil
}

// Create inserts the asset. A concurrent archive of the same output yields ErrDuplicate.
func (r *AssetRepository) Create(ctx context.Context, a *models.ArchivedAsset) (int64, error) {
	const query = `
INSERT INTO archived_assets (user_id, generation_id, title, prompt, original_url, url_hash, local_path, file_name, file_size, width, height, duration, mime_type)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, a.UserID, a.GenerationID, a.Title, a.Prompt, a.OriginalURL, a.URLHash, a.LocalPath, a.FileName, a.FileSize,
		a.Width, a.Height, a.Duration, a.MimeType)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert asset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("asset last insert id: %w", err)
	}
	a.ID = id
	return id, nil
}

func (r *AssetRepository) ListForGeneration(ctx context.Context, generationID string) ([]models.ArchivedAsset, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+assetColumns+` FROM archived_assets WHERE generation_id = ? ORDER BY id ASC`, generationID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []models.ArchivedAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func scanAsset(row rowScanner) (*models.ArchivedAsset, error) {
	var (
		a        models.ArchivedAsset
		width    sql.NullInt64
		height   sql.NullInt64
		duration sql.NullFloat64
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.GenerationID, &a.Title, &a.Prompt, &a.OriginalURL, &a.URLHash, &a.LocalPath, &a.FileName, &a.FileSize,
		&width, &height, &duration, &a.MimeType, &a.CreatedAt); err != nil {
		return nil, err
	}
	if width.Valid {
		v := int(width.Int64)
		a.Width = &v
	}
	if height.Valid {
		v := int(height.Int64)
		a.Height = &v
	}
	if duration.Valid {
		v := duration.Float64
		a.Duration = &v
	}
	return &a, nil
}
