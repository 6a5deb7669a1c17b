// Package authorize evaluates an agent's transaction request against a
// delegation token, the consent's live state, and the principal's limits
// and rules, producing an ALLOW/DENY decision with an authorization code
// on ALLOW. Every decision is persisted to an append-only ledger.
package authorize

import (
	"context"
	"errors"
	"time"

	"github.com/agentauth/core/pkg/money"
)

// Decision is the outcome of one authorization request.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Reason is the stable machine-readable code attached to every DENY.
type Reason string

const (
	ReasonTokenInvalid         Reason = "TOKEN_INVALID"
	ReasonConsentNotFound      Reason = "CONSENT_NOT_FOUND"
	ReasonConsentExpired       Reason = "CONSENT_EXPIRED"
	ReasonConsentRevoked       Reason = "CONSENT_REVOKED"
	ReasonCurrencyMismatch     Reason = "currency_mismatch"
	ReasonAmountExceeded       Reason = "amount_exceeded"
	ReasonMerchantBlocked      Reason = "merchant_blocked"
	ReasonCategoryBlocked      Reason = "category_blocked"
	ReasonDailyLimitExceeded   Reason = "daily_limit_exceeded"
	ReasonMonthlyLimitExceeded Reason = "monthly_limit_exceeded"
	ReasonRequiresApproval     Reason = "requires_human_approval"
)

// ErrTransient indicates the request hit a concurrency or storage
// conflict that retries could not resolve. It is not a policy denial;
// callers should retry the whole request.
var ErrTransient = errors.New("transient authorization conflict, retry the request")

// ErrCodeNotFound indicates an unknown authorization code.
var ErrCodeNotFound = errors.New("authorization code not found")

// Transaction is the purchase an agent asks to make. Action is the
// agent's stated operation ("purchase", "refund_request") and is carried
// into the ledger record for audit; it does not influence the decision.
type Transaction struct {
	Amount     money.Amount `json:"amount"`
	MerchantID string       `json:"merchant_id"`
	Category   string       `json:"category,omitempty"`
	Action     string       `json:"action,omitempty"`
}

// Authorization is the immutable record of one decision. It is the
// append-only ledger entry audit and dispute defense depend on.
type Authorization struct {
	ID                string       `json:"id"`
	ConsentID         string       `json:"consent_id"`
	PrincipalID       string       `json:"principal_id"`
	Amount            money.Amount `json:"amount"`
	MerchantID        string       `json:"merchant_id"`
	Category          string       `json:"category,omitempty"`
	Action            string       `json:"action,omitempty"`
	Decision          Decision     `json:"decision"`
	Reason            Reason       `json:"reason,omitempty"`
	Message           string       `json:"message,omitempty"`
	AuthorizationCode string       `json:"authorization_code,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Result is returned to the caller of Authorize.
type Result struct {
	Decision          Decision `json:"decision"`
	AuthorizationCode string   `json:"authorization_code,omitempty"`
	Reason            Reason   `json:"reason,omitempty"`
	Message           string   `json:"message,omitempty"`
	ConsentID         string   `json:"consent_id,omitempty"`
}

// Allowed reports whether the decision was ALLOW.
func (r *Result) Allowed() bool {
	return r.Decision == DecisionAllow
}

// Store is the append-only authorization ledger. Records are created
// once and never mutated.
type Store interface {
	Create(ctx context.Context, a *Authorization) error
	GetByCode(ctx context.Context, code string) (*Authorization, error)
	List(ctx context.Context, principalID string, limit int) ([]*Authorization, error)
}
