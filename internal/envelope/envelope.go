// Package envelope seals and opens payloads under a password-derived key.
// Keys are derived with PBKDF2-HMAC-SHA-256 from a per-envelope random salt
// and used once with AES-256-GCM under a per-envelope random nonce. The
// package is stateless and safe for concurrent use.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"

	"github.com/haukened/lockbox/internal/domain"
)

const (
	// DefaultIterations is the PBKDF2 work factor for new envelopes.
	DefaultIterations = 310_000
	// SaltSize is the length of the random PBKDF2 salt.
	SaltSize = 32
	// KeySize selects AES-256.
	KeySize = 32
	// NonceSize is the standard GCM nonce length.
	NonceSize = 12
)

// Crypter holds the KDF work factor. The zero value is not valid; use New.
type Crypter struct {
	iterations int
}

// Option customises a Crypter.
type Option func(*Crypter)

// WithIterations overrides the PBKDF2 iteration count. Envelopes can only be
// opened by a Crypter using the count they were sealed with.
func WithIterations(n int) Option {
	return func(c *Crypter) {
		if n > 0 {
			c.iterations = n
		}
	}
}

// New returns a Crypter using DefaultIterations unless overridden.
func New(opts ...Option) *Crypter {
	c := &Crypter{iterations: DefaultIterations}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Iterations reports the configured PBKDF2 work factor.
func (c *Crypter) Iterations() int { return c.iterations }

// DeriveKey stretches password with salt into a KeySize key.
func (c *Crypter) DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, c.iterations, KeySize, sha256.New)
}

// Seal encrypts plaintext under a key derived from password. Salt and nonce
// are drawn fresh from crypto/rand on every call.
func (c *Crypter) Seal(plaintext []byte, password string) (domain.Envelope, error) {
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("generate salt: %w", err)
	}
	nonce, err := randomBytes(NonceSize)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	key := c.DeriveKey(password, salt)
	defer memguard.WipeBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Envelope{
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
		Salt:       salt,
		Nonce:      nonce,
	}, nil
}

// Open authenticates and decrypts env with a key derived from password. A
// wrong password and a tampered envelope both yield domain.ErrAuthentication.
func (c *Crypter) Open(env domain.Envelope, password string) ([]byte, error) {
	if len(env.Salt) != SaltSize || len(env.Nonce) != NonceSize {
		return nil, domain.ErrAuthentication
	}
	key := c.DeriveKey(password, env.Salt)
	defer memguard.WipeBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
