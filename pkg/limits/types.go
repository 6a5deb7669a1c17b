// Package limits holds per-principal spending limits, merchant and
// category rules, and the period-keyed usage counters the evaluator
// charges against. Counters are the only shared mutable state in the
// engine; every mutation goes through an atomic read-modify-write scoped
// to (principal, period).
package limits

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDailyLimitExceeded is returned by ConsumeWithin when the daily cap
	// would be crossed. Counters are left untouched.
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	// ErrMonthlyLimitExceeded is the monthly counterpart.
	ErrMonthlyLimitExceeded = errors.New("monthly limit exceeded")
	// ErrConflict signals a concurrent-update conflict the caller may retry.
	ErrConflict = errors.New("concurrent usage update conflict")
	// ErrRuleNotFound is returned when deleting an unknown rule id.
	ErrRuleNotFound = errors.New("rule not found")
)

// SpendingLimits is a principal's account-wide spending configuration.
// All amounts are minor units. The engine compares against whatever is
// configured; it does not enforce per_txn <= daily <= monthly.
type SpendingLimits struct {
	PrincipalID          string    `json:"principal_id"`
	DailyLimit           int64     `json:"daily_limit"`
	MonthlyLimit         int64     `json:"monthly_limit"`
	PerTransactionLimit  int64     `json:"per_transaction_limit"`
	RequireApprovalAbove *int64    `json:"require_approval_above,omitempty"`
	IsActive             bool      `json:"is_active"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// DefaultLimits mirrors the defaults applied to a principal with no
// configured record: $1000/day, $10000/month, $500/transaction, human
// approval above $100.
func DefaultLimits(principalID string) *SpendingLimits {
	approval := int64(10000)
	return &SpendingLimits{
		PrincipalID:          principalID,
		DailyLimit:           100000,
		MonthlyLimit:         1000000,
		PerTransactionLimit:  50000,
		RequireApprovalAbove: &approval,
		IsActive:             true,
	}
}

// Period identifies the daily and monthly windows a counter accumulates
// over. Keying counters on the period itself makes rollover implicit: a
// request after midnight simply charges a fresh key.
type Period struct {
	Day   string `json:"day"`   // "2006-01-02"
	Month string `json:"month"` // "2006-01"
}

// PeriodFor computes the period containing t, in UTC.
func PeriodFor(t time.Time) Period {
	u := t.UTC()
	return Period{Day: u.Format("2006-01-02"), Month: u.Format("2006-01")}
}

// Usage is the accumulated spend for one principal in one period.
type Usage struct {
	PrincipalID  string `json:"principal_id"`
	Period       Period `json:"period"`
	DailySpent   int64  `json:"daily_spent"`
	MonthlySpent int64  `json:"monthly_spent"`
	DailyCount   int64  `json:"daily_count"`
	MonthlyCount int64  `json:"monthly_count"`
}

// RuleAction is what a matching rule does.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionBlock RuleAction = "block"
)

// MerchantRule allows or blocks merchants matching a glob pattern
// (e.g. "*.amazon.com"). Patterns match case-insensitively.
type MerchantRule struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	Pattern     string     `json:"pattern"`
	Action      RuleAction `json:"action"`
	Description string     `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CategoryRule allows or blocks a spending category (exact match,
// lower case).
type CategoryRule struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	Category    string     `json:"category"`
	Action      RuleAction `json:"action"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Store persists limits, rules, and usage counters.
//
// ConsumeWithin is the heart of the engine: a single atomic
// read-modify-write that either records the spend in both period counters
// or changes nothing. Implementations must serialize concurrent calls for
// the same principal; calls for different principals must not block each
// other.
type Store interface {
	Limits(ctx context.Context, principalID string) (*SpendingLimits, error)
	SetLimits(ctx context.Context, l *SpendingLimits) error

	Usage(ctx context.Context, principalID string, p Period) (*Usage, error)
	ConsumeWithin(ctx context.Context, principalID string, p Period, amount, dailyLimit, monthlyLimit int64) (*Usage, error)

	MerchantRules(ctx context.Context, principalID string) ([]*MerchantRule, error)
	AddMerchantRule(ctx context.Context, r *MerchantRule) error
	DeleteMerchantRule(ctx context.Context, principalID, id string) error

	CategoryRules(ctx context.Context, principalID string) ([]*CategoryRule, error)
	AddCategoryRule(ctx context.Context, r *CategoryRule) error
	DeleteCategoryRule(ctx context.Context, principalID, id string) error
}
