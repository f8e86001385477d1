package credstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestEnvelopeSealOpen(t *testing.T) {
	env, err := NewEnvelope(EnvelopeConfig{MasterKey: testKey()})
	require.NoError(t, err)

	plaintext := []byte("sk-test-abc123")
	sealed, err := env.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-test-abc123")

	opened, err := env.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestEnvelopeNonceUnique(t *testing.T) {
	env, err := NewEnvelope(EnvelopeConfig{MasterKey: testKey()})
	require.NoError(t, err)

	a, err := env.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := env.Seal([]byte("same"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b), "sealing twice must not repeat ciphertext")
}

func TestEnvelopePassphraseDerivation(t *testing.T) {
	cfg := EnvelopeConfig{Passphrase: "correct horse", Salt: []byte("covault-test-salt"), Iterations: 1000}

	env1, err := NewEnvelope(cfg)
	require.NoError(t, err)
	env2, err := NewEnvelope(cfg)
	require.NoError(t, err)

	sealed, err := env1.Seal([]byte("value"))
	require.NoError(t, err)
	opened, err := env2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), opened)
	assert.Equal(t, env1.KeyRef(), env2.KeyRef())
}

func TestEnvelopeWrongKeyFails(t *testing.T) {
	env1, err := NewEnvelope(EnvelopeConfig{MasterKey: testKey()})
	require.NoError(t, err)

	other := testKey()
	other[0] ^= 0xff
	env2, err := NewEnvelope(EnvelopeConfig{MasterKey: other})
	require.NoError(t, err)

	sealed, err := env1.Seal([]byte("value"))
	require.NoError(t, err)
	_, err = env2.Open(sealed)
	assert.Error(t, err)
}

func TestEnvelopeOpenTruncated(t *testing.T) {
	env, err := NewEnvelope(EnvelopeConfig{MasterKey: testKey()})
	require.NoError(t, err)

	_, err = env.Open([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestEnvelopeRejectsBadConfig(t *testing.T) {
	_, err := NewEnvelope(EnvelopeConfig{})
	assert.Error(t, err)

	_, err = NewEnvelope(EnvelopeConfig{MasterKey: []byte("short")})
	assert.Error(t, err)

	_, err = NewEnvelope(EnvelopeConfig{Passphrase: "p"})
	assert.Error(t, err, "passphrase without salt must be rejected")
}

func TestZero(t *testing.T) {
	b := []byte("secret")
	Zero(b)
	assert.Equal(t, make([]byte, 6), b)
}
