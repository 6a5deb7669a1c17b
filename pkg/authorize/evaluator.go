package authorize

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentauth/core/pkg/consent"
	"github.com/agentauth/core/pkg/limits"
	"github.com/agentauth/core/pkg/money"
	"github.com/agentauth/core/pkg/token"
)

const (
	// Bounded retry on counter conflicts before surfacing ErrTransient.
	maxConsumeRetries = 3
	retryBaseDelay    = 10 * time.Millisecond
)

// Evaluator makes authorization decisions.
//
// Check order is fixed and deterministic: token, consent liveness,
// currency, per-transaction amount, merchant/category rules, daily and
// monthly limits, approval threshold. When several violations hold at
// once, the first in this order is the one reported.
type Evaluator struct {
	tokens   *token.Verifier
	consents consent.Store
	limits   limits.Store
	ledger   Store
	now      func() time.Time
	logger   *slog.Logger
}

// NewEvaluator wires the evaluator's collaborators.
func NewEvaluator(tokens *token.Verifier, consents consent.Store, lim limits.Store, ledger Store) *Evaluator {
	return &Evaluator{
		tokens:   tokens,
		consents: consents,
		limits:   lim,
		ledger:   ledger,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
}

// WithClock overrides the clock source. Test hook.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Authorize evaluates a transaction against the delegation token and the
// live store state, records the decision, and on ALLOW charges the usage
// counters atomically with the limit check.
func (e *Evaluator) Authorize(ctx context.Context, tokenString string, txn Transaction) (*Result, error) {
	return e.evaluate(ctx, tokenString, txn, false)
}

// Preview evaluates without mutating counters or persisting a record.
// Given identical store state it returns the same decision and reason as
// Authorize would.
func (e *Evaluator) Preview(ctx context.Context, tokenString string, txn Transaction) (*Result, error) {
	return e.evaluate(ctx, tokenString, txn, true)
}

func (e *Evaluator) evaluate(ctx context.Context, tokenString string, txn Transaction, dryRun bool) (*Result, error) {
	now := e.now()

	// 1. Token signature. Pure read, no storage. Expiry is not part of
	// this check; the consent's live state owns it in step 2.
	claims, err := e.tokens.Verify(tokenString)
	if err != nil {
		// No consent id to attribute the record to; the denial is
		// returned but not persisted.
		return &Result{
			Decision: DecisionDeny,
			Reason:   ReasonTokenInvalid,
			Message:  "delegation token signature is invalid",
		}, nil
	}

	// 2. Consent liveness from the store, never from the token's cached
	// expiry. Revocation is immediate regardless of token state.
	c, err := e.consents.Get(ctx, claims.ConsentID())
	if err != nil {
		if errors.Is(err, consent.ErrNotFound) {
			return e.deny(ctx, dryRun, denyInput{
				consentID:   claims.ConsentID(),
				principalID: claims.PrincipalID,
				txn:         txn,
				reason:      ReasonConsentNotFound,
				message:     "consent does not exist",
				at:          now,
			})
		}
		return nil, fmt.Errorf("resolve consent: %w", err)
	}
	if err := c.Live(now); err != nil {
		reason, msg := ReasonConsentExpired, "consent has expired"
		if errors.Is(err, consent.ErrRevoked) {
			reason, msg = ReasonConsentRevoked, "consent has been revoked"
		}
		return e.deny(ctx, dryRun, denyInput{
			consentID:   c.ID,
			principalID: c.PrincipalID,
			txn:         txn,
			reason:      reason,
			message:     msg,
			at:          now,
		})
	}

	in := denyInput{consentID: c.ID, principalID: c.PrincipalID, txn: txn, at: now}

	// 3. Currency must match the consent's constraint currency.
	if !txn.Amount.SameCurrency(c.Constraints.MaxAmount) {
		in.reason = ReasonCurrencyMismatch
		in.message = fmt.Sprintf("transaction currency %s does not match consent currency %s",
			txn.Amount.Currency, c.Constraints.MaxAmount.Currency)
		return e.deny(ctx, dryRun, in)
	}

	// 4. Per-transaction cap: the tighter of the consent's max_amount and
	// the account's per_transaction_limit. Equality is allowed.
	lim, err := e.limits.Limits(ctx, c.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("load spending limits: %w", err)
	}
	perTxn := c.Constraints.MaxAmount.Minor
	if lim.PerTransactionLimit < perTxn {
		perTxn = lim.PerTransactionLimit
	}
	if txn.Amount.Minor > perTxn {
		in.reason = ReasonAmountExceeded
		in.message = fmt.Sprintf("%s exceeds %s limit",
			txn.Amount, money.Amount{Minor: perTxn, Currency: txn.Amount.Currency})
		return e.deny(ctx, dryRun, in)
	}

	// 5. Merchant then category rules. Block beats allow; no match means
	// allow. A consent-level allow-list narrows further.
	if blocked, msg, err := e.merchantBlocked(ctx, c, txn.MerchantID); err != nil {
		return nil, err
	} else if blocked {
		in.reason = ReasonMerchantBlocked
		in.message = msg
		return e.deny(ctx, dryRun, in)
	}
	if blocked, msg, err := e.categoryBlocked(ctx, c, txn.Category); err != nil {
		return nil, err
	} else if blocked {
		in.reason = ReasonCategoryBlocked
		in.message = msg
		return e.deny(ctx, dryRun, in)
	}

	// 6. Aggregate limits, checked before the approval threshold so the
	// reported reason is deterministic when both are violated.
	period := limits.PeriodFor(now)
	usage, err := e.limits.Usage(ctx, c.PrincipalID, period)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	if usage.DailySpent+txn.Amount.Minor > lim.DailyLimit {
		in.reason = ReasonDailyLimitExceeded
		in.message = fmt.Sprintf("would exceed daily limit: %s > %s",
			money.Amount{Minor: usage.DailySpent + txn.Amount.Minor, Currency: txn.Amount.Currency},
			money.Amount{Minor: lim.DailyLimit, Currency: txn.Amount.Currency})
		return e.deny(ctx, dryRun, in)
	}
	if usage.MonthlySpent+txn.Amount.Minor > lim.MonthlyLimit {
		in.reason = ReasonMonthlyLimitExceeded
		in.message = fmt.Sprintf("would exceed monthly limit: %s > %s",
			money.Amount{Minor: usage.MonthlySpent + txn.Amount.Minor, Currency: txn.Amount.Currency},
			money.Amount{Minor: lim.MonthlyLimit, Currency: txn.Amount.Currency})
		return e.deny(ctx, dryRun, in)
	}

	// 7. Approval threshold. Terminal in this engine; an approval workflow
	// re-submits as a fresh request.
	if lim.RequireApprovalAbove != nil && txn.Amount.Minor > *lim.RequireApprovalAbove {
		in.reason = ReasonRequiresApproval
		in.message = fmt.Sprintf("%s exceeds the human approval threshold of %s",
			txn.Amount, money.Amount{Minor: *lim.RequireApprovalAbove, Currency: txn.Amount.Currency})
		return e.deny(ctx, dryRun, in)
	}

	if dryRun {
		return &Result{Decision: DecisionAllow, ConsentID: c.ID}, nil
	}

	// 8. Atomic check-and-increment. The pre-checks above make the common
	// case cheap; the store re-checks under its lock so a concurrent
	// request cannot slip the sum past a limit.
	if res, err := e.consume(ctx, c.PrincipalID, period, txn.Amount, lim); err != nil {
		return nil, err
	} else if res != nil {
		in.reason = res.Reason
		in.message = res.Message
		return e.deny(ctx, false, in)
	}

	auth := &Authorization{
		ID:                uuid.New().String(),
		ConsentID:         c.ID,
		PrincipalID:       c.PrincipalID,
		Amount:            txn.Amount,
		MerchantID:        txn.MerchantID,
		Category:          txn.Category,
		Action:            txn.Action,
		Decision:          DecisionAllow,
		AuthorizationCode: newAuthorizationCode(),
		CreatedAt:         now,
	}
	if err := e.ledger.Create(ctx, auth); err != nil {
		// Counters were already charged; the record write failing is a
		// fail-closed condition for this request. The discrepancy is
		// visible in audit and resolvable by reversal, never by a silent
		// ALLOW without a ledger entry.
		e.logger.Error("authorization ledger write failed", "consent_id", c.ID, "error", err)
		return nil, fmt.Errorf("persist authorization: %w", err)
	}

	e.logger.Info("authorization decided",
		"decision", DecisionAllow, "consent_id", c.ID,
		"merchant_id", txn.MerchantID, "amount", txn.Amount.String())

	return &Result{
		Decision:          DecisionAllow,
		AuthorizationCode: auth.AuthorizationCode,
		ConsentID:         c.ID,
	}, nil
}

// consume runs the atomic counter update with bounded retry on
// concurrency conflicts. Returns a non-nil Result when a limit denied
// the spend, nil when the spend committed.
func (e *Evaluator) consume(ctx context.Context, principalID string, period limits.Period, amount money.Amount, lim *limits.SpendingLimits) (*Result, error) {
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		_, err := e.limits.ConsumeWithin(ctx, principalID, period, amount.Minor, lim.DailyLimit, lim.MonthlyLimit)
		switch {
		case err == nil:
			return nil, nil
		case errors.Is(err, limits.ErrDailyLimitExceeded):
			return &Result{Reason: ReasonDailyLimitExceeded,
				Message: fmt.Sprintf("would exceed daily limit of %s",
					money.Amount{Minor: lim.DailyLimit, Currency: amount.Currency})}, nil
		case errors.Is(err, limits.ErrMonthlyLimitExceeded):
			return &Result{Reason: ReasonMonthlyLimitExceeded,
				Message: fmt.Sprintf("would exceed monthly limit of %s",
					money.Amount{Minor: lim.MonthlyLimit, Currency: amount.Currency})}, nil
		case errors.Is(err, limits.ErrConflict) && attempt < maxConsumeRetries:
			e.logger.Warn("usage counter conflict, retrying",
				"principal_id", principalID, "attempt", attempt+1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		case errors.Is(err, limits.ErrConflict):
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		default:
			// Fail closed: an unconfirmed counter update is never an ALLOW.
			return nil, fmt.Errorf("consume usage: %w", err)
		}
	}
}

func (e *Evaluator) merchantBlocked(ctx context.Context, c *consent.Consent, merchantID string) (bool, string, error) {
	// Consent-level allow-list narrows before account rules apply.
	if len(c.Constraints.AllowedMerchants) > 0 && !inList(c.Constraints.AllowedMerchants, merchantID) {
		return true, fmt.Sprintf("merchant %q is not in the consent's allowed merchants", merchantID), nil
	}
	rules, err := e.limits.MerchantRules(ctx, c.PrincipalID)
	if err != nil {
		// Fail closed without recording a false policy denial: a store
		// fault fails the request, it does not become merchant_blocked.
		return false, "", fmt.Errorf("load merchant rules: %w", err)
	}
	if limits.EvaluateMerchant(rules, merchantID) == limits.RuleBlock {
		return true, fmt.Sprintf("merchant %q is blocked by merchant rules", merchantID), nil
	}
	return false, "", nil
}

func (e *Evaluator) categoryBlocked(ctx context.Context, c *consent.Consent, category string) (bool, string, error) {
	if category == "" {
		return false, "", nil
	}
	if len(c.Constraints.AllowedCategories) > 0 && !inList(c.Constraints.AllowedCategories, category) {
		return true, fmt.Sprintf("category %q is not in the consent's allowed categories", category), nil
	}
	rules, err := e.limits.CategoryRules(ctx, c.PrincipalID)
	if err != nil {
		return false, "", fmt.Errorf("load category rules: %w", err)
	}
	if limits.EvaluateCategory(rules, category) == limits.RuleBlock {
		return true, fmt.Sprintf("category %q is blocked by category rules", category), nil
	}
	return false, "", nil
}

type denyInput struct {
	consentID   string
	principalID string
	txn         Transaction
	reason      Reason
	message     string
	at          time.Time
}

// deny persists a DENY record (counters untouched) and returns the result.
func (e *Evaluator) deny(ctx context.Context, dryRun bool, in denyInput) (*Result, error) {
	if !dryRun {
		rec := &Authorization{
			ID:          uuid.New().String(),
			ConsentID:   in.consentID,
			PrincipalID: in.principalID,
			Amount:      in.txn.Amount,
			MerchantID:  in.txn.MerchantID,
			Category:    in.txn.Category,
			Action:      in.txn.Action,
			Decision:    DecisionDeny,
			Reason:      in.reason,
			Message:     in.message,
			CreatedAt:   in.at,
		}
		if err := e.ledger.Create(ctx, rec); err != nil {
			// A DENY that cannot be recorded is still a DENY; log and move on.
			e.logger.Error("deny record write failed", "consent_id", in.consentID, "error", err)
		}
		e.logger.Info("authorization decided",
			"decision", DecisionDeny, "consent_id", in.consentID,
			"reason", in.reason, "merchant_id", in.txn.MerchantID)
	}
	return &Result{
		Decision:  DecisionDeny,
		Reason:    in.reason,
		Message:   in.message,
		ConsentID: in.consentID,
	}, nil
}

func inList(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func newAuthorizationCode() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("rng failure: %v", err))
	}
	return "authz_" + base64.RawURLEncoding.EncodeToString(b[:])
}
