// Package verify lets merchants confirm an authorization code before
// fulfilling an order. A successful verification mints a signed proof the
// merchant can retain and re-check offline against the engine's published
// Ed25519 public key.
package verify

import (
	"context"
	"errors"
	"time"

	"github.com/agentauth/core/pkg/canonical"
	"github.com/agentauth/core/pkg/money"
	"github.com/agentauth/core/pkg/signing"
)

// Reason codes for failed verification.
type Reason string

const (
	ReasonCodeNotFound        Reason = "CODE_NOT_FOUND"
	ReasonTransactionMismatch Reason = "transaction_mismatch"
)

// ErrProofNotFound indicates no proof has been minted for a code yet.
var ErrProofNotFound = errors.New("proof not found")

// Request is what the merchant presents: the code the agent handed over
// plus the transaction the merchant is about to fulfill.
type Request struct {
	AuthorizationCode string       `json:"authorization_code"`
	Amount            money.Amount `json:"amount"`
	MerchantID        string       `json:"merchant_id"`
}

// Proof is the signed verification artifact. The signature covers the
// RFC 8785 canonical form of the payload fields, so a proof verifies
// byte-for-byte no matter which JSON library re-serialized it.
type Proof struct {
	AuthorizationCode string       `json:"authorization_code"`
	ConsentID         string       `json:"consent_id"`
	PrincipalID       string       `json:"principal_id"`
	Amount            money.Amount `json:"amount"`
	MerchantID        string       `json:"merchant_id"`
	IssuedAt          time.Time    `json:"issued_at"`
	KeyID             string       `json:"key_id"`
	Signature         string       `json:"signature"`
}

// Result of one verification request.
type Result struct {
	Valid   bool   `json:"valid"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Proof   *Proof `json:"proof,omitempty"`
}

// proofPayload is the exact shape the signature covers. IssuedAt is
// serialized as RFC 3339 UTC so canonicalization is stable across load
// and store round trips.
type proofPayload struct {
	AuthorizationCode string `json:"authorization_code"`
	ConsentID         string `json:"consent_id"`
	PrincipalID       string `json:"principal_id"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	MerchantID        string `json:"merchant_id"`
	IssuedAt          string `json:"issued_at"`
}

func payloadOf(p *Proof) proofPayload {
	return proofPayload{
		AuthorizationCode: p.AuthorizationCode,
		ConsentID:         p.ConsentID,
		PrincipalID:       p.PrincipalID,
		AmountMinor:       p.Amount.Minor,
		Currency:          p.Amount.Currency,
		MerchantID:        p.MerchantID,
		IssuedAt:          p.IssuedAt.UTC().Format(time.RFC3339),
	}
}

// SignProof computes and attaches the signature over the proof payload.
func SignProof(p *Proof, signer signing.Signer) error {
	data, err := canonical.JCS(payloadOf(p))
	if err != nil {
		return err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return err
	}
	p.KeyID = signer.KeyID()
	p.Signature = sig
	return nil
}

// VerifyProof checks a proof's signature against a hex-encoded Ed25519
// public key. Merchants can call this offline.
func VerifyProof(p *Proof, pubKeyHex string) (bool, error) {
	data, err := canonical.JCS(payloadOf(p))
	if err != nil {
		return false, err
	}
	return signing.Verify(pubKeyHex, p.Signature, data)
}

// ProofStore caches minted proofs keyed by authorization code so repeat
// verifications return the identical artifact. Put is first-write-wins:
// a proof already stored for the code stays, and the write is a no-op.
type ProofStore interface {
	Get(ctx context.Context, authorizationCode string) (*Proof, error)
	Put(ctx context.Context, p *Proof) error
}
