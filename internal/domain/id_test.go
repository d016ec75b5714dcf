package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	id, err := ParseID("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.True(t, id.Valid())
	assert.Equal(t, "0123456789abcdef0123456789abcdef", id.String())

	for _, s := range []string{
		"",
		"short",
		"0123456789ABCDEF0123456789ABCDEF",
		"0123456789abcdef0123456789abcdeg",
		"0123456789abcdef0123456789abcdef0",
		"../../../../etc/passwd0123456789ab",
	} {
		_, err := ParseID(s)
		assert.ErrorIs(t, err, ErrInvalidID, "%q", s)
		assert.ErrorIs(t, err, ErrValidation, "%q", s)
	}
}

func TestNewID(t *testing.T) {
	const n = 64
	seen := make(map[SecretID]struct{}, n)
	for range n {
		id, err := NewID()
		require.NoError(t, err)
		require.Len(t, id.String(), IDLength)
		require.True(t, id.Valid(), "generated id %s", id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
