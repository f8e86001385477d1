package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/covault/covault/pkg/schema"
)

// EnvelopeConfig configures the AES envelope key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type EnvelopeConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// Envelope seals credential payloads with AES-256-GCM before they are
// persisted. The master key lives only in process memory; records carry a
// key reference so rotation can tell envelopes apart.
type Envelope struct {
	aead   cipher.AEAD
	keyRef string
	key    []byte
}

// NewEnvelope creates an envelope with AES-256-GCM encryption.
func NewEnvelope(cfg EnvelopeConfig) (*Envelope, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Envelope{aead: aead, keyRef: keyRef(key), key: key}, nil
}

func deriveKey(cfg EnvelopeConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// keyRef is a non-reversible identifier for the key in use, stored on
// each credential record.
func keyRef(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// KeyRef returns the identifier of the key this envelope seals with.
func (e *Envelope) KeyRef() string { return e.keyRef }

// Seal encrypts plaintext with a fresh random nonce prefixed to the
// ciphertext.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed payload. Corrupt payloads and wrong-key attempts
// fail with a typed VAULT_ERROR scoped to the one resolution.
func (e *Envelope) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Destroy zeroes the master key. Call on shutdown.
func (e *Envelope) Destroy() {
	Zero(e.key)
}

// Zero wipes a plaintext buffer. Callers zero resolved values as soon as
// they are done with them; the plaintext must never outlive its use.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
