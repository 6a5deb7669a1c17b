package consent

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/core/pkg/money"
)

func TestPostgresStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consents")).
		WithArgs("cons_1", "user_1", "agent_1", "buy flight", "hash",
			int64(50000), "USD", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Create(ctx, &Consent{
		ID:          "cons_1",
		PrincipalID: "user_1",
		AgentID:     "agent_1",
		Intent:      "buy flight",
		IntentHash:  "hash",
		Constraints: Constraints{MaxAmount: money.Amount{Minor: 50000, Currency: "USD"}},
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	cols := []string{"id", "principal_id", "agent_id", "intent", "intent_hash",
		"max_amount_minor", "currency", "allowed_merchants", "allowed_categories",
		"issued_at", "expires_at", "revoked_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM consents WHERE id = $1")).
		WithArgs("cons_1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("cons_1", "user_1", "", "buy flight", "hash",
				int64(50000), "USD", `["amazon.com"]`, nil,
				time.Now(), time.Now().Add(time.Hour), nil))

	c, err := store.Get(ctx, "cons_1")
	require.NoError(t, err)
	assert.Equal(t, "cons_1", c.ID)
	assert.Equal(t, int64(50000), c.Constraints.MaxAmount.Minor)
	assert.Equal(t, []string{"amazon.com"}, c.Constraints.AllowedMerchants)
	assert.Nil(t, c.RevokedAt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM consents WHERE id = $1")).
		WithArgs("cons_missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err = store.Get(ctx, "cons_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Revoke(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE consents SET revoked_at = $1")).
		WithArgs(sqlmock.AnyArg(), "cons_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.Revoke(ctx, "cons_1", time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
