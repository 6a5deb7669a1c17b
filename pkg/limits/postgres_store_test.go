package limits

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Limits_Defaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM spending_limits WHERE principal_id = $1")).
		WithArgs("user_missing").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id", "daily_limit", "monthly_limit",
			"per_transaction_limit", "require_approval_above", "is_active", "updated_at"}))

	l, err := store.Limits(ctx, "user_missing")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), l.DailyLimit, "missing row falls back to defaults")
}

func TestPostgresStore_ConsumeWithin_Allows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	p := Period{Day: "2026-08-30", Month: "2026-08"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_daily")).
		WithArgs("user_1", p.Day).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_monthly")).
		WithArgs("user_1", p.Month).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM usage_daily WHERE principal_id = $1 AND day = $2 FOR UPDATE")).
		WithArgs("user_1", p.Day).
		WillReturnRows(sqlmock.NewRows([]string{"spent", "txn_count"}).AddRow(1000, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM usage_monthly WHERE principal_id = $1 AND month = $2 FOR UPDATE")).
		WithArgs("user_1", p.Month).
		WillReturnRows(sqlmock.NewRows([]string{"spent", "txn_count"}).AddRow(5000, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE usage_daily SET spent = spent + $1")).
		WithArgs(int64(2000), "user_1", p.Day).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE usage_monthly SET spent = spent + $1")).
		WithArgs(int64(2000), "user_1", p.Month).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, err := store.ConsumeWithin(ctx, "user_1", p, 2000, 10000, 100000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), u.DailySpent)
	assert.Equal(t, int64(7000), u.MonthlySpent)
	assert.Equal(t, int64(2), u.DailyCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeWithin_DeniesOverDaily(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	p := Period{Day: "2026-08-30", Month: "2026-08"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_daily")).
		WithArgs("user_1", p.Day).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_monthly")).
		WithArgs("user_1", p.Month).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM usage_daily")).
		WithArgs("user_1", p.Day).
		WillReturnRows(sqlmock.NewRows([]string{"spent", "txn_count"}).AddRow(9500, 4))
	mock.ExpectQuery(regexp.QuoteMeta("FROM usage_monthly")).
		WithArgs("user_1", p.Month).
		WillReturnRows(sqlmock.NewRows([]string{"spent", "txn_count"}).AddRow(9500, 4))
	// No UPDATE statements: the transaction rolls back without mutating.
	mock.ExpectRollback()

	u, err := store.ConsumeWithin(ctx, "user_1", p, 1000, 10000, 100000)
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)
	assert.Equal(t, int64(9500), u.DailySpent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetLimits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	approval := int64(20000)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO spending_limits")).
		WithArgs("user_1", int64(50000), int64(500000), int64(10000), approval, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.SetLimits(context.Background(), &SpendingLimits{
		PrincipalID:          "user_1",
		DailyLimit:           50000,
		MonthlyLimit:         500000,
		PerTransactionLimit:  10000,
		RequireApprovalAbove: &approval,
		IsActive:             true,
		UpdatedAt:            time.Now(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
