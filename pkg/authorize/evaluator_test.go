package authorize

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/core/pkg/consent"
	"github.com/agentauth/core/pkg/limits"
	"github.com/agentauth/core/pkg/money"
	"github.com/agentauth/core/pkg/token"
)

type evalEnv struct {
	evaluator *Evaluator
	consents  *consent.Service
	store     consent.Store
	limits    limits.Store
	ledger    Store
	minter    *token.Minter
	now       time.Time
}

func newEvalEnv(t *testing.T) *evalEnv {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	consentStore := consent.NewMemoryStore()
	limStore := limits.NewMemoryStore()
	ledger := NewMemoryStore()

	minter := token.NewMinter(priv, "key-1")
	svc := consent.NewService(consentStore, minter).WithClock(clock)
	ev := NewEvaluator(token.NewVerifier(pub), consentStore, limStore, ledger).WithClock(clock)

	return &evalEnv{evaluator: ev, consents: svc, store: consentStore, limits: limStore, ledger: ledger, minter: minter, now: now}
}

func (e *evalEnv) issue(t *testing.T, p consent.CreateParams) *consent.CreateResult {
	t.Helper()
	if p.PrincipalID == "" {
		p.PrincipalID = "user_1"
	}
	if p.MaxAmount.Minor == 0 {
		p.MaxAmount = money.Amount{Minor: 5000, Currency: "USD"}
	}
	if p.TTL == 0 {
		p.TTL = time.Hour
	}
	res, err := e.consents.Create(context.Background(), p)
	require.NoError(t, err)
	return res
}

func (e *evalEnv) setLimits(t *testing.T, l *limits.SpendingLimits) {
	t.Helper()
	require.NoError(t, e.limits.SetLimits(context.Background(), l))
}

func usd(minor int64) money.Amount {
	return money.Amount{Minor: minor, Currency: "USD"}
}

func TestAuthorizeAllow(t *testing.T) {
	env := newEvalEnv(t)
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com", Action: "payment",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.True(t, out.Allowed())
	assert.Regexp(t, `^authz_[A-Za-z0-9_-]{22}$`, out.AuthorizationCode)
	assert.Equal(t, res.ConsentID, out.ConsentID)

	rec, err := env.ledger.GetByCode(context.Background(), out.AuthorizationCode)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, rec.Decision)
	assert.Equal(t, usd(1000), rec.Amount)
	assert.Equal(t, "payment", rec.Action)

	usage, err := env.limits.Usage(context.Background(), "user_1", limits.PeriodFor(env.now))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), usage.DailySpent)
	assert.Equal(t, int64(1000), usage.MonthlySpent)
}

func TestAuthorizeAmountExceeded(t *testing.T) {
	env := newEvalEnv(t)
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(14900), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, ReasonAmountExceeded, out.Reason)
	assert.Equal(t, "149.00 exceeds 50.00 limit", out.Message)

	// Denials never charge the counters.
	usage, err := env.limits.Usage(context.Background(), "user_1", limits.PeriodFor(env.now))
	require.NoError(t, err)
	assert.Zero(t, usage.DailySpent)
}

func TestAuthorizeAmountBoundaryInclusive(t *testing.T) {
	env := newEvalEnv(t)
	noApproval := &limits.SpendingLimits{
		PrincipalID: "user_1", DailyLimit: 100000, MonthlyLimit: 1000000,
		PerTransactionLimit: 50000, IsActive: true,
	}
	env.setLimits(t, noApproval)
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	// Exactly at the consent max: allowed.
	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(5000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out.Decision)

	// One minor unit over: denied.
	res2 := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})
	out, err = env.evaluator.Authorize(context.Background(), res2.DelegationToken, Transaction{
		Amount: usd(5001), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonAmountExceeded, out.Reason)
}

func TestAuthorizeTokenInvalid(t *testing.T) {
	env := newEvalEnv(t)

	out, err := env.evaluator.Authorize(context.Background(), "not-a-token", Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, ReasonTokenInvalid, out.Reason)

	// No consent to attribute the denial to, so nothing is recorded.
	recs, err := env.ledger.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAuthorizeConsentNotFound(t *testing.T) {
	env := newEvalEnv(t)

	// Correctly signed token for a consent the store never saw.
	orphan, err := env.minter.Mint("cons_missing", "user_1", "agent_1",
		token.ConstraintsClaim{MaxAmountMinor: 5000, Currency: "USD"}, env.now.Add(time.Hour))
	require.NoError(t, err)

	out, err := env.evaluator.Authorize(context.Background(), orphan, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, ReasonConsentNotFound, out.Reason)
}

func TestAuthorizeForeignKeyRejected(t *testing.T) {
	env := newEvalEnv(t)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	foreign, err := token.NewMinter(priv, "foreign").Mint("cons_x", "user_x", "agent_x",
		token.ConstraintsClaim{MaxAmountMinor: 1000, Currency: "USD"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	out, err := env.evaluator.Authorize(context.Background(), foreign, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonTokenInvalid, out.Reason)
}

func TestAuthorizeRevocationImmediate(t *testing.T) {
	env := newEvalEnv(t)
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, out.Decision)

	require.NoError(t, env.consents.Revoke(context.Background(), res.ConsentID))

	// The token signature is still valid; the store says revoked.
	out, err = env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, ReasonConsentRevoked, out.Reason)
}

func TestAuthorizeConsentExpired(t *testing.T) {
	env := newEvalEnv(t)
	ctx := context.Background()

	// Token verification is signature-only; the consent's live state in
	// the store owns expiry. Seed a consent that is already past its
	// expiry while its token signature still verifies.
	c := &consent.Consent{
		ID:          "cons_shortlived",
		PrincipalID: "user_1",
		Constraints: consent.Constraints{MaxAmount: usd(5000)},
		IssuedAt:    env.now.Add(-2 * time.Hour),
		ExpiresAt:   env.now.Add(-time.Hour),
	}
	require.NoError(t, env.store.Create(ctx, c))
	signed, err := env.minter.Mint(c.ID, c.PrincipalID, "", token.ConstraintsClaim{
		MaxAmountMinor: 5000, Currency: "USD",
	}, env.now.Add(time.Hour))
	require.NoError(t, err)

	out, err := env.evaluator.Authorize(ctx, signed, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, ReasonConsentExpired, out.Reason)
}

func TestAuthorizeStaleTokenDeniedFromStore(t *testing.T) {
	env := newEvalEnv(t)
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000), TTL: time.Hour})

	// Past the consent's expiry the token signature still verifies;
	// the store-side liveness check makes the denial.
	later := env.now.Add(2 * time.Hour)
	env.evaluator.WithClock(func() time.Time { return later })

	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, ReasonConsentExpired, out.Reason)
}

func TestAuthorizeCurrencyMismatch(t *testing.T) {
	env := newEvalEnv(t)
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: money.Amount{Minor: 100000, Currency: "EUR"}, MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonCurrencyMismatch, out.Reason)
}

func TestAuthorizeMerchantRules(t *testing.T) {
	env := newEvalEnv(t)
	ctx := context.Background()

	require.NoError(t, env.limits.AddMerchantRule(ctx, &limits.MerchantRule{
		ID: "r1", PrincipalID: "user_1", Pattern: "*.gambling.example",
		Action: limits.ActionBlock, IsActive: true,
	}))
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	out, err := env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "casino.gambling.example",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonMerchantBlocked, out.Reason)

	out, err = env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "books.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out.Decision)
}

func TestAuthorizeConsentAllowListNarrows(t *testing.T) {
	env := newEvalEnv(t)
	res := env.issue(t, consent.CreateParams{
		MaxAmount:        usd(5000),
		AllowedMerchants: []string{"shop.example.com"},
	})

	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "other.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonMerchantBlocked, out.Reason)
}

func TestAuthorizeCategoryBlocked(t *testing.T) {
	env := newEvalEnv(t)
	ctx := context.Background()

	require.NoError(t, env.limits.AddCategoryRule(ctx, &limits.CategoryRule{
		ID: "c1", PrincipalID: "user_1", Category: "alcohol",
		Action: limits.ActionBlock, IsActive: true,
	}))
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	out, err := env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com", Category: "Alcohol",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonCategoryBlocked, out.Reason)
}

func TestAuthorizeDailyLimit(t *testing.T) {
	env := newEvalEnv(t)
	env.setLimits(t, &limits.SpendingLimits{
		PrincipalID: "user_1", DailyLimit: 5000, MonthlyLimit: 1000000,
		PerTransactionLimit: 50000, IsActive: true,
	})
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	ctx := context.Background()
	out, err := env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(3000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, out.Decision)

	out, err = env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(3000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyLimitExceeded, out.Reason)
}

func TestAuthorizeSequentialScenario(t *testing.T) {
	env := newEvalEnv(t)
	ctx := context.Background()

	env.setLimits(t, &limits.SpendingLimits{
		PrincipalID: "user_1", DailyLimit: 5000, MonthlyLimit: 1000000,
		PerTransactionLimit: 5000, IsActive: true,
	})
	require.NoError(t, env.limits.AddMerchantRule(ctx, &limits.MerchantRule{
		ID: "r1", PrincipalID: "user_1", Pattern: "blocked.example.com",
		Action: limits.ActionBlock, IsActive: true,
	}))
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	out, err := env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, out.Decision)

	out, err = env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(14900), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonAmountExceeded, out.Reason)
	assert.Equal(t, "149.00 exceeds 50.00 limit", out.Message)

	out, err = env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(2500), MerchantID: "blocked.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonMerchantBlocked, out.Reason)

	// Only the first request was charged.
	usage, err := env.limits.Usage(ctx, "user_1", limits.PeriodFor(env.now))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), usage.DailySpent)

	recs, err := env.ledger.List(ctx, "user_1", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestAuthorizeRequiresApproval(t *testing.T) {
	env := newEvalEnv(t)
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(40000)})

	// Default limits flag anything above $100 for approval.
	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(15000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonRequiresApproval, out.Reason)
	assert.Contains(t, out.Message, "human approval threshold")
}

// Multiple violations at once must report the earliest failing check,
// not an arbitrary one.
func TestAuthorizeCheckOrderDeterministic(t *testing.T) {
	env := newEvalEnv(t)
	ctx := context.Background()

	require.NoError(t, env.limits.AddMerchantRule(ctx, &limits.MerchantRule{
		ID: "r1", PrincipalID: "user_1", Pattern: "blocked.example",
		Action: limits.ActionBlock, IsActive: true,
	}))
	env.setLimits(t, &limits.SpendingLimits{
		PrincipalID: "user_1", DailyLimit: 100, MonthlyLimit: 100,
		PerTransactionLimit: 50000, IsActive: true,
	})
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})

	// amount_exceeded AND merchant_blocked AND daily_limit all hold;
	// amount_exceeded is checked first.
	out, err := env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(9000), MerchantID: "blocked.example",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonAmountExceeded, out.Reason)

	// merchant_blocked AND daily_limit; merchant rules come first.
	out, err = env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(4000), MerchantID: "blocked.example",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonMerchantBlocked, out.Reason)

	// Only the daily limit remains.
	out, err = env.evaluator.Authorize(ctx, res.DelegationToken, Transaction{
		Amount: usd(4000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyLimitExceeded, out.Reason)
}

// Two concurrent spends that each fit individually but not together must
// resolve to exactly one ALLOW.
func TestAuthorizeConcurrentLimitExhaustion(t *testing.T) {
	env := newEvalEnv(t)
	env.setLimits(t, &limits.SpendingLimits{
		PrincipalID: "user_1", DailyLimit: 10000, MonthlyLimit: 1000000,
		PerTransactionLimit: 50000, IsActive: true,
	})
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(50000)})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
				Amount: usd(6000), MerchantID: "shop.example.com",
			})
			if assert.NoError(t, err) && out.Allowed() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), allowed.Load())
	usage, err := env.limits.Usage(context.Background(), "user_1", limits.PeriodFor(env.now))
	require.NoError(t, err)
	assert.Equal(t, int64(6000), usage.DailySpent)
}

func TestPreviewDoesNotMutate(t *testing.T) {
	env := newEvalEnv(t)
	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})
	ctx := context.Background()

	txn := Transaction{Amount: usd(1000), MerchantID: "shop.example.com"}
	for i := 0; i < 3; i++ {
		out, err := env.evaluator.Preview(ctx, res.DelegationToken, txn)
		require.NoError(t, err)
		assert.Equal(t, DecisionAllow, out.Decision)
		assert.Empty(t, out.AuthorizationCode)
	}

	usage, err := env.limits.Usage(ctx, "user_1", limits.PeriodFor(env.now))
	require.NoError(t, err)
	assert.Zero(t, usage.DailySpent)
	recs, err := env.ledger.List(ctx, "user_1", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Preview and Authorize agree on identical state.
	out, err := env.evaluator.Authorize(ctx, res.DelegationToken, txn)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out.Decision)
}

// conflictStore injects counter conflicts to exercise the bounded retry.
type conflictStore struct {
	limits.Store
	remaining atomic.Int64
}

func (s *conflictStore) ConsumeWithin(ctx context.Context, principalID string, p limits.Period, amount, dailyLimit, monthlyLimit int64) (*limits.Usage, error) {
	if s.remaining.Add(-1) >= 0 {
		return nil, limits.ErrConflict
	}
	return s.Store.ConsumeWithin(ctx, principalID, p, amount, dailyLimit, monthlyLimit)
}

func TestAuthorizeRetriesOnConflict(t *testing.T) {
	env := newEvalEnv(t)
	cs := &conflictStore{Store: env.limits}
	cs.remaining.Store(2)
	env.evaluator.limits = cs

	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})
	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, out.Decision)
}

func TestAuthorizeTransientAfterRetryBudget(t *testing.T) {
	env := newEvalEnv(t)
	cs := &conflictStore{Store: env.limits}
	cs.remaining.Store(100)
	env.evaluator.limits = cs

	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})
	_, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.ErrorIs(t, err, ErrTransient)
}

// faultyRuleStore fails merchant rule lookups the way an unreachable
// database would.
type faultyRuleStore struct {
	limits.Store
}

func (s *faultyRuleStore) MerchantRules(ctx context.Context, principalID string) ([]*limits.MerchantRule, error) {
	return nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
}

func TestAuthorizeMerchantRuleLookupFault(t *testing.T) {
	env := newEvalEnv(t)
	env.evaluator.limits = &faultyRuleStore{Store: env.limits}

	res := env.issue(t, consent.CreateParams{MaxAmount: usd(5000)})
	out, err := env.evaluator.Authorize(context.Background(), res.DelegationToken, Transaction{
		Amount: usd(1000), MerchantID: "shop.example.com",
	})
	require.Error(t, err)
	assert.Nil(t, out)

	// A storage fault is not a policy decision; nothing reaches the ledger.
	recs, err := env.ledger.List(context.Background(), "user_1", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
