package authorize

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/core/pkg/money"
)

func ledgerStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	lite, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": lite,
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

			allow := &Authorization{
				ID: "a1", ConsentID: "cons_1", PrincipalID: "user_1",
				Amount:     money.Amount{Minor: 1000, Currency: "USD"},
				MerchantID: "shop.example.com", Category: "books", Action: "payment",
				Decision: DecisionAllow, AuthorizationCode: "authz_abc",
				CreatedAt: base,
			}
			deny := &Authorization{
				ID: "a2", ConsentID: "cons_1", PrincipalID: "user_1",
				Amount:     money.Amount{Minor: 90000, Currency: "USD"},
				MerchantID: "shop.example.com",
				Decision:   DecisionDeny, Reason: ReasonAmountExceeded,
				Message: "900.00 exceeds 50.00 limit", CreatedAt: base.Add(time.Minute),
			}
			require.NoError(t, store.Create(ctx, allow))
			require.NoError(t, store.Create(ctx, deny))

			got, err := store.GetByCode(ctx, "authz_abc")
			require.NoError(t, err)
			assert.Equal(t, "a1", got.ID)
			assert.Equal(t, money.Amount{Minor: 1000, Currency: "USD"}, got.Amount)
			assert.Equal(t, "books", got.Category)
			assert.Equal(t, "payment", got.Action)

			_, err = store.GetByCode(ctx, "authz_unknown")
			assert.ErrorIs(t, err, ErrCodeNotFound)

			recs, err := store.List(ctx, "user_1", 10)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			// Newest first.
			assert.Equal(t, "a2", recs[0].ID)
			assert.Equal(t, ReasonAmountExceeded, recs[0].Reason)

			recs, err = store.List(ctx, "user_other", 10)
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestLedgerListLimit(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				require.NoError(t, store.Create(ctx, &Authorization{
					ID: string(rune('a'+i)), ConsentID: "cons_1", PrincipalID: "user_1",
					Amount:    money.Amount{Minor: int64(i + 1), Currency: "USD"},
					Decision:  DecisionDeny, Reason: ReasonDailyLimitExceeded,
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}))
			}
			recs, err := store.List(ctx, "", 3)
			require.NoError(t, err)
			assert.Len(t, recs, 3)
			assert.Equal(t, "e", recs[0].ID)
		})
	}
}
