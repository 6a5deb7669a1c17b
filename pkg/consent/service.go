package consent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/agentauth/core/pkg/money"
	"github.com/agentauth/core/pkg/token"
)

const (
	// TTL bounds reject zero and absurd expiries at issuance.
	MinTTL = time.Minute
	MaxTTL = 90 * 24 * time.Hour
)

// CreateParams are the inputs for issuing a new consent.
type CreateParams struct {
	PrincipalID       string
	AgentID           string
	Intent            string
	MaxAmount         money.Amount
	AllowedMerchants  []string
	AllowedCategories []string
	TTL               time.Duration
}

// CreateResult is returned to the principal: the consent id plus the
// delegation token the agent will carry.
type CreateResult struct {
	ConsentID       string      `json:"consent_id"`
	DelegationToken string      `json:"delegation_token"`
	ExpiresAt       time.Time   `json:"expires_at"`
	Constraints     Constraints `json:"constraints"`
}

// Service issues and revokes consents.
type Service struct {
	store  Store
	minter *token.Minter
	now    func() time.Time
}

// NewService creates a consent service.
func NewService(store Store, minter *token.Minter) *Service {
	return &Service{store: store, minter: minter, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates the request, persists the consent, and mints the
// delegation token whose signature covers the constraints snapshot and
// expiry.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	if strings.TrimSpace(p.PrincipalID) == "" {
		return nil, fmt.Errorf("principal_id is required")
	}
	if !p.MaxAmount.IsPositive() {
		return nil, fmt.Errorf("max_amount must be positive, got %s", p.MaxAmount)
	}
	if !money.Supported(p.MaxAmount.Currency) {
		return nil, fmt.Errorf("unsupported currency: %s", p.MaxAmount.Currency)
	}
	if p.TTL < MinTTL || p.TTL > MaxTTL {
		return nil, fmt.Errorf("ttl must be between %s and %s, got %s", MinTTL, MaxTTL, p.TTL)
	}

	now := s.now()
	c := &Consent{
		ID:          newConsentID(),
		PrincipalID: p.PrincipalID,
		AgentID:     p.AgentID,
		Intent:      p.Intent,
		IntentHash:  hashIntent(p.Intent),
		Constraints: Constraints{
			MaxAmount:         p.MaxAmount,
			AllowedMerchants:  p.AllowedMerchants,
			AllowedCategories: p.AllowedCategories,
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(p.TTL),
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("persist consent: %w", err)
	}

	signed, err := s.minter.Mint(c.ID, c.PrincipalID, c.AgentID, token.ConstraintsClaim{
		MaxAmountMinor:    c.Constraints.MaxAmount.Minor,
		Currency:          c.Constraints.MaxAmount.Currency,
		AllowedMerchants:  c.Constraints.AllowedMerchants,
		AllowedCategories: c.Constraints.AllowedCategories,
	}, c.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("mint delegation token: %w", err)
	}

	return &CreateResult{
		ConsentID:       c.ID,
		DelegationToken: signed,
		ExpiresAt:       c.ExpiresAt,
		Constraints:     c.Constraints,
	}, nil
}

// Revoke marks a consent revoked. Subsequent authorization attempts fail
// with CONSENT_REVOKED regardless of a still-valid token signature.
func (s *Service) Revoke(ctx context.Context, consentID string) error {
	return s.store.Revoke(ctx, consentID, s.now())
}

// Get returns a consent by id.
func (s *Service) Get(ctx context.Context, consentID string) (*Consent, error) {
	return s.store.Get(ctx, consentID)
}

// List returns recent consents, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Consent, error) {
	return s.store.List(ctx, limit)
}

func newConsentID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("rng failure: %v", err))
	}
	return "cons_" + base64.RawURLEncoding.EncodeToString(b[:])
}

func hashIntent(intent string) string {
	sum := sha256.Sum256([]byte(intent))
	return hex.EncodeToString(sum[:])
}
