package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/genstudio/internal/models"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newGenerationRepo(t *testing.T) (*GenerationRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := NewGenerationRepository(db)
	repo.now = func() time.Time { return fixedTime }
	return repo, mock
}

var generationCols = []string{"id", "user_id", "owner_ref", "kind", "status", "prompt", "provider", "model", "external_handle", "cost",
	"result_url", "result_urls", "error_message", "metadata", "completed_at", "created_at", "updated_at"}

func TestUpdateStatusTransitions(t *testing.T) {
	repo, mock := newGenerationRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE generations SET status = ?, updated_at = ?, provider = ?, model = ?, external_handle = ? WHERE id = ? AND status = ?")).
		WithArgs("PROCESSING", fixedTime, "kie", "flux-2/pro-text-to-image", "task-1", "g1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	provider, model, handle := "kie", "flux-2/pro-text-to-image", "task-1"
	err := repo.UpdateStatus(context.Background(), "g1", models.StatusPending, models.StatusProcessing, StatusPatch{
		Provider:       &provider,
		Model:          &model,
		ExternalHandle: &handle,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusCompletionWritesOutputs(t *testing.T) {
	repo, mock := newGenerationRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("result_url = ?, result_urls = ?, completed_at = ? WHERE id = ? AND status = ?")).
		WithArgs("COMPLETED", fixedTime, "https://cdn/a.png", []byte(`["https://cdn/a.png","https://cdn/b.png"]`), fixedTime, "g1", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	first := "https://cdn/a.png"
	err := repo.UpdateStatus(context.Background(), "g1", models.StatusProcessing, models.StatusCompleted, StatusPatch{
		ResultURL:     &first,
		ResultURLs:    []string{"https://cdn/a.png", "https://cdn/b.png"},
		MarkCompleted: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusConflict(t *testing.T) {
	repo, mock := newGenerationRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE generations SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM generations WHERE id = ?")).WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	msg := "boom"
	err := repo.UpdateStatus(context.Background(), "g1", models.StatusProcessing, models.StatusFailed, StatusPatch{ErrorMessage: &msg})
	assert.ErrorIs(t, err, ErrReconciliationConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusMissingRecord(t *testing.T) {
	repo, mock := newGenerationRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE generations SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM generations WHERE id = ?")).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	err := repo.UpdateStatus(context.Background(), "nope", models.StatusProcessing, models.StatusFailed, StatusPatch{})
	assert.ErrorIs(t, err, ErrGenerationNotFound)
}

func TestGetByIDDecodesNullableColumns(t *testing.T) {
	repo, mock := newGenerationRepo(t)

	rows := sqlmock.NewRows(generationCols).AddRow(
		"g1", 1, nil, "video-from-text", "COMPLETED", "a cat", "kie", "kling", "task-1", 25,
		"https://cdn/v.mp4", []byte(`["https://cdn/v.mp4"]`), nil, nil, fixedTime, fixedTime, fixedTime,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM generations WHERE id = ?")).WithArgs("g1").WillReturnRows(rows)

	g, err := repo.GetByID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.KindVideoFromText, g.Kind)
	assert.Equal(t, models.StatusCompleted, g.Status)
	assert.Equal(t, []string{"https://cdn/v.mp4"}, g.ResultURLs)
	assert.Empty(t, g.OwnerRef)
	require.NotNil(t, g.CompletedAt)
	assert.True(t, g.CompletedAt.Equal(fixedTime))
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newGenerationRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM generations WHERE id = ?")).WillReturnRows(sqlmock.NewRows(generationCols))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrGenerationNotFound)
}

func TestListUnrefundedFailuresFiltersCompleted(t *testing.T) {
	repo, mock := newGenerationRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("g.completed_at IS NULL")).WithArgs(50).
		WillReturnRows(sqlmock.NewRows(generationCols).AddRow(
			"g2", 1, "chat:1", "image-from-text", "FAILED", "p", "kie", "m", nil, 5,
			nil, nil, "provider said no", nil, nil, fixedTime, fixedTime,
		))

	out, err := repo.ListUnrefundedFailures(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "g2", out[0].ID)
	assert.Equal(t, []string{}, out[0].ResultURLs)
	assert.Equal(t, "provider said no", out[0].ErrorMessage)
}
