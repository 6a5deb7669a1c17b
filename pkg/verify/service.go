package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentauth/core/pkg/authorize"
	"github.com/agentauth/core/pkg/signing"
)

// Service verifies authorization codes against the ledger and mints
// signed proofs.
type Service struct {
	ledger authorize.Store
	proofs ProofStore
	signer signing.Signer
	now    func() time.Time
	logger *slog.Logger
}

func NewService(ledger authorize.Store, proofs ProofStore, signer signing.Signer) *Service {
	return &Service{
		ledger: ledger,
		proofs: proofs,
		signer: signer,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
}

// WithClock overrides the clock source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Verify resolves the authorization code, checks the presented
// transaction against the recorded one, and returns the signed proof.
// Repeat calls for the same code return the cached proof unchanged.
func (s *Service) Verify(ctx context.Context, req Request) (*Result, error) {
	auth, err := s.ledger.GetByCode(ctx, req.AuthorizationCode)
	if err != nil {
		if errors.Is(err, authorize.ErrCodeNotFound) {
			return &Result{
				Reason:  ReasonCodeNotFound,
				Message: "authorization code not found",
			}, nil
		}
		return nil, fmt.Errorf("resolve authorization code: %w", err)
	}

	if msg := mismatch(auth, req); msg != "" {
		s.logger.Warn("verification mismatch",
			"authorization_code", req.AuthorizationCode, "detail", msg)
		return &Result{
			Reason:  ReasonTransactionMismatch,
			Message: msg,
		}, nil
	}

	// Repeat verifications must return the original artifact; issuing a
	// second proof with a fresh timestamp would give the merchant two
	// conflicting signatures for one purchase.
	if cached, err := s.proofs.Get(ctx, req.AuthorizationCode); err == nil {
		return &Result{Valid: true, Proof: cached}, nil
	} else if !errors.Is(err, ErrProofNotFound) {
		return nil, fmt.Errorf("load cached proof: %w", err)
	}

	proof := &Proof{
		AuthorizationCode: auth.AuthorizationCode,
		ConsentID:         auth.ConsentID,
		PrincipalID:       auth.PrincipalID,
		Amount:            auth.Amount,
		MerchantID:        auth.MerchantID,
		IssuedAt:          s.now().Truncate(time.Second),
	}
	if err := SignProof(proof, s.signer); err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}
	if err := s.proofs.Put(ctx, proof); err != nil {
		return nil, fmt.Errorf("persist proof: %w", err)
	}

	// Put is first-write-wins. When two first verifications race, only
	// one proof survives; re-read so every caller hands out that one.
	stored, err := s.proofs.Get(ctx, req.AuthorizationCode)
	if err != nil {
		return nil, fmt.Errorf("load stored proof: %w", err)
	}

	s.logger.Info("verification proof issued",
		"authorization_code", req.AuthorizationCode, "merchant_id", req.MerchantID)
	return &Result{Valid: true, Proof: stored}, nil
}

// mismatch compares the presented transaction with the authorized one and
// describes the first differing field.
func mismatch(auth *authorize.Authorization, req Request) string {
	if req.Amount.Currency != auth.Amount.Currency {
		return fmt.Sprintf("currency %s does not match authorized %s",
			req.Amount.Currency, auth.Amount.Currency)
	}
	if req.Amount.Minor != auth.Amount.Minor {
		return fmt.Sprintf("amount %s does not match authorized %s",
			req.Amount, auth.Amount)
	}
	if req.MerchantID != auth.MerchantID {
		return fmt.Sprintf("merchant %q does not match authorized %q",
			req.MerchantID, auth.MerchantID)
	}
	return ""
}
