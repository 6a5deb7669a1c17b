// Package token mints and verifies delegation tokens.
//
// A delegation token is an EdDSA-signed JWT carried by the agent. The
// signature covers the consent id, the constraints snapshot, and the
// expiry, so the token cannot be replayed with altered constraints.
// The token is a capability hint only: expiry, revocation, and usage
// always live in the store and are re-checked at authorization time.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "agentauth/consent"
	audience = "agentauth/authorize"
)

// ErrTokenInvalid covers any signature or shape failure during
// verification. Callers map it to the TOKEN_INVALID reason.
var ErrTokenInvalid = errors.New("delegation token invalid")

// ConstraintsClaim is the constraints snapshot embedded in the token.
type ConstraintsClaim struct {
	MaxAmountMinor    int64    `json:"max_amount_minor"`
	Currency          string   `json:"currency"`
	AllowedMerchants  []string `json:"allowed_merchants,omitempty"`
	AllowedCategories []string `json:"allowed_categories,omitempty"`
}

// Claims extends registered JWT claims with delegation fields.
type Claims struct {
	jwt.RegisteredClaims
	PrincipalID string           `json:"principal_id"`
	AgentID     string           `json:"agent_id,omitempty"`
	Constraints ConstraintsClaim `json:"constraints"`
}

// ConsentID returns the consent this token was derived from.
func (c *Claims) ConsentID() string {
	return c.Subject
}

// Minter issues delegation tokens for newly created consents.
type Minter struct {
	priv  ed25519.PrivateKey
	keyID string
}

// NewMinter creates a Minter backed by an Ed25519 private key.
func NewMinter(priv ed25519.PrivateKey, keyID string) *Minter {
	return &Minter{priv: priv, keyID: keyID}
}

// Mint creates a signed delegation token for a consent.
func (m *Minter) Mint(consentID, principalID, agentID string, constraints ConstraintsClaim, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        consentID,
			Subject:   consentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
		},
		PrincipalID: principalID,
		AgentID:     agentID,
		Constraints: constraints,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = m.keyID

	signed, err := tok.SignedString(m.priv)
	if err != nil {
		return "", fmt.Errorf("sign delegation token: %w", err)
	}
	return signed, nil
}

// Verifier validates delegation tokens without any storage round trip.
type Verifier struct {
	pub ed25519.PublicKey
}

// NewVerifier creates a Verifier for the given public key.
func NewVerifier(pub ed25519.PublicKey) *Verifier {
	return &Verifier{pub: pub}
}

// Verify parses a token string and checks its signature, issuer, and
// audience, returning its claims. Expiry is deliberately not checked
// here: the token's embedded dates are a snapshot, and the consent's
// live state owns liveness, so an authorization against a stale token
// is denied from the store with the authoritative reason rather than
// collapsing into a signature failure. All failures here become
// ErrTokenInvalid; the caller does not need to distinguish a bad
// signature from a malformed token.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.pub, nil
		},
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	if claims.Issuer != issuer || !hasAudience(claims.Audience, audience) {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
