package security

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/observability"
)

func newMockedBudget(t *testing.T) (*BudgetGuard, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	return &BudgetGuard{
		db:          sqlx.NewDb(mockDB, "sqlmock"),
		softLimit:   5,
		mediumLimit: 15,
		hardLimit:   50,
		logger:      observability.NewNoopLogger(),
		now:         func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) },
	}, mock
}

func TestBudgetCheckStorageError(t *testing.T) {
	g, mock := newMockedBudget(t)
	mock.ExpectExec("INSERT OR IGNORE INTO spending").
		WillReturnError(assert.AnError)

	_, err := g.Check(context.Background(), 0.01, "cheap")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget check")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBudgetRecordSpendTransactionError(t *testing.T) {
	g, mock := newMockedBudget(t)
	mock.ExpectExec("INSERT OR IGNORE INTO spending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE spending").
		WithArgs(0.5, 0.5, "2026-08-24").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(assert.AnError)

	err := g.RecordSpend(context.Background(), 0.5, "premium", "claude-sonnet-4-20250514", 100, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget record transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBudgetStatusStorageError(t *testing.T) {
	g, mock := newMockedBudget(t)
	mock.ExpectExec("INSERT OR IGNORE INTO spending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT total_cost, request_count").
		WillReturnError(assert.AnError)

	_, err := g.GetStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget status")
	assert.NoError(t, mock.ExpectationsWereMet())
}
