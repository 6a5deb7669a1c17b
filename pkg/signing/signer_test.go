package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	signer, err := NewEd25519Signer("test-key")
	require.NoError(t, err)

	payload := []byte(`{"amount":4999,"code":"authz_x"}`)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	ok, err := Verify(signer.PublicKey(), sig, payload)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered payload fails
	ok, err = Verify(signer.PublicKey(), sig, []byte(`{"amount":5000,"code":"authz_x"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_BadInputs(t *testing.T) {
	signer, err := NewEd25519Signer("test-key")
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("data"))
	require.NoError(t, err)

	_, err = Verify("not-hex", sig, []byte("data"))
	assert.Error(t, err)

	_, err = Verify(signer.PublicKey(), "not-hex", []byte("data"))
	assert.Error(t, err)

	_, err = Verify("abcd", sig, []byte("data"))
	assert.Error(t, err, "truncated public key must be rejected")
}
