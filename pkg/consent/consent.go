// Package consent manages a principal's standing authorization scope and
// the delegation tokens derived from it. A consent is created once,
// mutated only to revoke, and is the authoritative record the evaluator
// checks regardless of what a token claims.
package consent

import (
	"context"
	"errors"
	"time"

	"github.com/agentauth/core/pkg/money"
)

// Status of a consent at a point in time.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

var (
	// ErrNotFound indicates the consent id has no record.
	ErrNotFound = errors.New("consent not found")
	// ErrRevoked indicates the consent was revoked by the principal.
	ErrRevoked = errors.New("consent revoked")
	// ErrExpired indicates the consent expiry has passed.
	ErrExpired = errors.New("consent expired")
)

// Constraints bound what a delegation token may authorize.
type Constraints struct {
	MaxAmount         money.Amount `json:"max_amount"`
	AllowedMerchants  []string     `json:"allowed_merchants,omitempty"`
	AllowedCategories []string     `json:"allowed_categories,omitempty"`
}

// Consent is a principal's standing authorization scope.
type Consent struct {
	ID          string      `json:"id"`
	PrincipalID string      `json:"principal_id"`
	AgentID     string      `json:"agent_id,omitempty"`
	Intent      string      `json:"intent"`
	IntentHash  string      `json:"intent_hash"`
	Constraints Constraints `json:"constraints"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RevokedAt   *time.Time  `json:"revoked_at,omitempty"`
}

// Status derives the consent status at the given instant. Revocation wins
// over expiry so a revoked consent never reports merely "expired".
func (c *Consent) Status(now time.Time) Status {
	if c.RevokedAt != nil {
		return StatusRevoked
	}
	if !now.Before(c.ExpiresAt) {
		return StatusExpired
	}
	return StatusActive
}

// Live returns nil when the consent is active at now, or the sentinel
// error describing why it is not.
func (c *Consent) Live(now time.Time) error {
	switch c.Status(now) {
	case StatusRevoked:
		return ErrRevoked
	case StatusExpired:
		return ErrExpired
	}
	return nil
}

// Store persists consents.
type Store interface {
	Create(ctx context.Context, c *Consent) error
	Get(ctx context.Context, id string) (*Consent, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, limit int) ([]*Consent, error)
}
