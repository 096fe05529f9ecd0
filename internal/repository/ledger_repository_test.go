package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/genstudio/internal/models"
)

func newLedgerRepo(t *testing.T) (*LedgerRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedgerRepository(db), mock
}

var (
	lockUserSQL   = regexp.QuoteMeta("SELECT credits FROM users WHERE id = ? FOR UPDATE")
	findRefSQL    = regexp.QuoteMeta("SELECT id FROM ledger_entries WHERE reference = ?")
	updateBalSQL  = regexp.QuoteMeta("UPDATE users SET credits = ?")
	insertEntySQL = regexp.QuoteMeta("INSERT INTO ledger_entries")
)

func debitWrite() LedgerWrite {
	return LedgerWrite{
		UserID:      1,
		Amount:      -5,
		Kind:        models.LedgerDebit,
		RelatedKind: models.KindImageFromText,
		Reference:   "generation:g1:debit",
		Description: "image-from-text generation",
	}
}

func TestLedgerApplyDebit(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockUserSQL).WithArgs(1).WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(20))
	mock.ExpectQuery(findRefSQL).WithArgs("generation:g1:debit").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(updateBalSQL).WithArgs(15, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertEntySQL).
		WithArgs(1, -5, 15, "DEBIT", "image-from-text", "generation:g1:debit", "image-from-text generation", nil).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	res, err := repo.Apply(context.Background(), debitWrite())
	require.NoError(t, err)
	assert.Equal(t, LedgerResult{Balance: 15, Applied: true, EntryID: 7}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerApplyInsufficientCredits(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockUserSQL).WithArgs(1).WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(3))
	mock.ExpectQuery(findRefSQL).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := repo.Apply(context.Background(), debitWrite())
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerApplyExistingReferenceIsNoop(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockUserSQL).WithArgs(1).WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(15))
	mock.ExpectQuery(findRefSQL).WithArgs("generation:g1:debit").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	res, err := repo.Apply(context.Background(), debitWrite())
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 15, res.Balance)
	assert.Equal(t, int64(7), res.EntryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerApplyUnknownUser(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockUserSQL).WithArgs(1).WillReturnRows(sqlmock.NewRows([]string{"credits"}))
	mock.ExpectRollback()

	_, err := repo.Apply(context.Background(), debitWrite())
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerApplyReferenceRace(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockUserSQL).WithArgs(1).WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(20))
	mock.ExpectQuery(findRefSQL).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(updateBalSQL).WithArgs(15, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertEntySQL).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT credits FROM users WHERE id = ?")).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(15))

	res, err := repo.Apply(context.Background(), debitWrite())
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 15, res.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerHistoryNewestFirst(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	rows := sqlmock.NewRows([]string{"id", "user_id", "amount", "balance_after", "kind", "related_kind", "reference", "description", "metadata", "created_at"}).
		AddRow(2, 1, 5, 100, "REFUND", "image-from-text", "generation:g1:refund", "refund", []byte(`{"generation_id":"g1"}`), fixedTime).
		AddRow(1, 1, -5, 95, "DEBIT", "image-from-text", "generation:g1:debit", "debit", nil, fixedTime)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY id DESC")).WithArgs(1, 20, 0).WillReturnRows(rows)

	entries, err := repo.History(context.Background(), 1, 20, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.LedgerRefund, entries[0].Kind)
	assert.JSONEq(t, `{"generation_id":"g1"}`, string(entries[0].Metadata))
	assert.Nil(t, entries[1].Metadata)
}

func TestLedgerSum(t *testing.T) {
	repo, mock := newLedgerRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0), COUNT(*)")).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow(95, 3))

	total, count, err := repo.Sum(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 95, total)
	assert.Equal(t, 3, count)
}
