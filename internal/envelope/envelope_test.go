package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/lockbox/internal/domain"
)

// fast keeps tests quick; the production work factor is covered separately.
func fast() *Crypter { return New(WithIterations(1000)) }

func TestRoundTrip(t *testing.T) {
	c := fast()
	big := make([]byte, 1_000_001)
	_, err := rand.Read(big)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"one byte", []byte{0x7f}},
		{"text", []byte("hello")},
		{"large", big},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := c.Seal(tc.payload, "pw")
			require.NoError(t, err)
			assert.Len(t, env.Salt, SaltSize)
			assert.Len(t, env.Nonce, NonceSize)
			assert.Len(t, env.Ciphertext, len(tc.payload)+16)

			got, err := c.Open(env, "pw")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.payload, got), "payload mismatch")
		})
	}
}

func TestOpenWrongPassword(t *testing.T) {
	c := fast()
	env, err := c.Seal([]byte("top secret"), "correct horse")
	require.NoError(t, err)
	for _, pw := range []string{"", "correct hors", "Correct horse", "correct horse "} {
		_, err := c.Open(env, pw)
		assert.ErrorIs(t, err, domain.ErrAuthentication, "password %q", pw)
	}
}

func TestOpenTampered(t *testing.T) {
	c := fast()
	env, err := c.Seal([]byte("payload"), "pw")
	require.NoError(t, err)

	flip := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[0] ^= 0x01
		return out
	}
	cases := map[string]domain.Envelope{
		"ciphertext": {Ciphertext: flip(env.Ciphertext), Salt: env.Salt, Nonce: env.Nonce},
		"salt":       {Ciphertext: env.Ciphertext, Salt: flip(env.Salt), Nonce: env.Nonce},
		"nonce":      {Ciphertext: env.Ciphertext, Salt: env.Salt, Nonce: flip(env.Nonce)},
		"short salt": {Ciphertext: env.Ciphertext, Salt: env.Salt[:4], Nonce: env.Nonce},
		"no nonce":   {Ciphertext: env.Ciphertext, Salt: env.Salt},
		"truncated":  {Ciphertext: env.Ciphertext[:3], Salt: env.Salt, Nonce: env.Nonce},
	}
	for name, bad := range cases {
		_, err := c.Open(bad, "pw")
		assert.ErrorIs(t, err, domain.ErrAuthentication, name)
	}
}

func TestFreshSaltAndNonce(t *testing.T) {
	c := fast()
	a, err := c.Seal([]byte("same"), "pw")
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"), "pw")
	require.NoError(t, err)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	c := fast()
	salt := bytes.Repeat([]byte{0x42}, SaltSize)
	k1 := c.DeriveKey("pw", salt)
	k2 := c.DeriveKey("pw", salt)
	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, c.DeriveKey("pw2", salt))
}

func TestIterationsMustMatch(t *testing.T) {
	env, err := New(WithIterations(1000)).Seal([]byte("x"), "pw")
	require.NoError(t, err)
	_, err = New(WithIterations(1001)).Open(env, "pw")
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestDefaultIterations(t *testing.T) {
	c := New()
	assert.Equal(t, 310_000, c.Iterations())
	assert.Equal(t, 1000, New(WithIterations(1000)).Iterations())
	assert.Equal(t, DefaultIterations, New(WithIterations(0)).Iterations())
	if testing.Short() {
		t.Skip("production work factor round trip skipped in -short mode")
	}
	env, err := c.Seal([]byte("hello"), "pw")
	require.NoError(t, err)
	got, err := c.Open(env, "pw")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
