package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/core/pkg/authorize"
	"github.com/agentauth/core/pkg/money"
	"github.com/agentauth/core/pkg/signing"
)

func newVerifyService(t *testing.T) (*Service, authorize.Store, *signing.Ed25519Signer) {
	t.Helper()
	signer, err := signing.NewEd25519Signer("proof-key-1")
	require.NoError(t, err)
	ledger := authorize.NewMemoryStore()
	svc := NewService(ledger, NewMemoryProofStore(), signer).
		WithClock(func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) })
	return svc, ledger, signer
}

func seedAuthorization(t *testing.T, ledger authorize.Store) *authorize.Authorization {
	t.Helper()
	a := &authorize.Authorization{
		ID:                "a1",
		ConsentID:         "cons_1",
		PrincipalID:       "user_1",
		Amount:            money.Amount{Minor: 4999, Currency: "USD"},
		MerchantID:        "shop.example.com",
		Decision:          authorize.DecisionAllow,
		AuthorizationCode: "authz_test_code",
		CreatedAt:         time.Date(2026, 3, 15, 11, 59, 0, 0, time.UTC),
	}
	require.NoError(t, ledger.Create(context.Background(), a))
	return a
}

func TestVerifyIssuesProof(t *testing.T) {
	svc, ledger, signer := newVerifyService(t)
	auth := seedAuthorization(t, ledger)

	res, err := svc.Verify(context.Background(), Request{
		AuthorizationCode: auth.AuthorizationCode,
		Amount:            auth.Amount,
		MerchantID:        auth.MerchantID,
	})
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NotNil(t, res.Proof)
	assert.Equal(t, auth.AuthorizationCode, res.Proof.AuthorizationCode)
	assert.Equal(t, "cons_1", res.Proof.ConsentID)
	assert.Equal(t, "proof-key-1", res.Proof.KeyID)

	ok, err := VerifyProof(res.Proof, signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRepeatReturnsSameProof(t *testing.T) {
	svc, ledger, _ := newVerifyService(t)
	auth := seedAuthorization(t, ledger)
	req := Request{
		AuthorizationCode: auth.AuthorizationCode,
		Amount:            auth.Amount,
		MerchantID:        auth.MerchantID,
	}

	first, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)

	// Even with the clock advanced, the cached proof comes back unchanged.
	svc.WithClock(func() time.Time { return time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC) })
	second, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Proof, second.Proof)
	assert.Equal(t, first.Proof.Signature, second.Proof.Signature)
	assert.Equal(t, first.Proof.IssuedAt, second.Proof.IssuedAt)
}

func TestVerifyCodeNotFound(t *testing.T) {
	svc, _, _ := newVerifyService(t)

	res, err := svc.Verify(context.Background(), Request{
		AuthorizationCode: "authz_unknown",
		Amount:            money.Amount{Minor: 100, Currency: "USD"},
		MerchantID:        "shop.example.com",
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonCodeNotFound, res.Reason)
	assert.Nil(t, res.Proof)
}

func TestVerifyTransactionMismatch(t *testing.T) {
	svc, ledger, _ := newVerifyService(t)
	auth := seedAuthorization(t, ledger)

	cases := []struct {
		name string
		req  Request
	}{
		{"amount", Request{auth.AuthorizationCode, money.Amount{Minor: 5000, Currency: "USD"}, auth.MerchantID}},
		{"currency", Request{auth.AuthorizationCode, money.Amount{Minor: 4999, Currency: "EUR"}, auth.MerchantID}},
		{"merchant", Request{auth.AuthorizationCode, auth.Amount, "evil.example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.Verify(context.Background(), tc.req)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, ReasonTransactionMismatch, res.Reason)
			assert.NotEmpty(t, res.Message)
		})
	}

	// A failed verification must not poison the cache for a correct one.
	res, err := svc.Verify(context.Background(), Request{
		AuthorizationCode: auth.AuthorizationCode,
		Amount:            auth.Amount,
		MerchantID:        auth.MerchantID,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerifyProofTamperDetected(t *testing.T) {
	svc, ledger, signer := newVerifyService(t)
	auth := seedAuthorization(t, ledger)

	res, err := svc.Verify(context.Background(), Request{
		AuthorizationCode: auth.AuthorizationCode,
		Amount:            auth.Amount,
		MerchantID:        auth.MerchantID,
	})
	require.NoError(t, err)
	require.True(t, res.Valid)

	tampered := *res.Proof
	tampered.Amount.Minor = 1
	ok, err := VerifyProof(&tampered, signer.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong key fails too.
	other, err := signing.NewEd25519Signer("other")
	require.NoError(t, err)
	ok, err = VerifyProof(res.Proof, other.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRacingFirstCallsShareOneProof(t *testing.T) {
	svc, ledger, _ := newVerifyService(t)
	auth := seedAuthorization(t, ledger)

	// Seed a proof into the store between the losing caller's cache miss
	// and its Put, the window two racing first verifications fight over.
	winner := &Proof{
		AuthorizationCode: auth.AuthorizationCode,
		ConsentID:         auth.ConsentID,
		PrincipalID:       auth.PrincipalID,
		Amount:            auth.Amount,
		MerchantID:        auth.MerchantID,
		IssuedAt:          time.Date(2026, 3, 15, 11, 59, 58, 0, time.UTC),
		KeyID:             "proof-key-1",
		Signature:         "deadbeef",
	}
	proofs := &racingProofStore{inner: NewMemoryProofStore(), winner: winner}
	svc.proofs = proofs

	res, err := svc.Verify(context.Background(), Request{
		AuthorizationCode: auth.AuthorizationCode,
		Amount:            auth.Amount,
		MerchantID:        auth.MerchantID,
	})
	require.NoError(t, err)
	require.True(t, res.Valid)

	// The caller that lost the race hands out the stored proof, not the
	// one it minted and signed itself.
	assert.Equal(t, winner.Signature, res.Proof.Signature)
	assert.Equal(t, winner.IssuedAt, res.Proof.IssuedAt)
}

// racingProofStore makes the first Put land after a competing proof has
// already been stored.
type racingProofStore struct {
	inner  *MemoryProofStore
	winner *Proof
	raced  bool
}

func (s *racingProofStore) Get(ctx context.Context, code string) (*Proof, error) {
	return s.inner.Get(ctx, code)
}

func (s *racingProofStore) Put(ctx context.Context, p *Proof) error {
	if !s.raced {
		s.raced = true
		if err := s.inner.Put(ctx, s.winner); err != nil {
			return err
		}
	}
	return s.inner.Put(ctx, p)
}
