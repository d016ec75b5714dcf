// Package domain id.go defines secret identifiers.
package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// idBytes is the amount of randomness in a SecretID.
const idBytes = 16

// IDLength is the length of the textual form of a SecretID.
const IDLength = 2 * idBytes

// SecretID is an opaque, unguessable record identifier: 128 random bits
// rendered as lowercase hex. It never encodes anything about the record.
type SecretID string

// NewID draws a fresh SecretID from crypto/rand.
func NewID() (SecretID, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return SecretID(hex.EncodeToString(buf)), nil
}

// ParseID accepts exactly the strings NewID produces and rejects everything
// else with ErrInvalidID. Uppercase hex is rejected so each id has one form.
func ParseID(s string) (SecretID, error) {
	id := SecretID(s)
	if !id.Valid() {
		return "", ErrInvalidID
	}
	return id, nil
}

func (id SecretID) String() string { return string(id) }

// Valid reports whether id is in canonical form.
func (id SecretID) Valid() bool {
	if len(id) != IDLength {
		return false
	}
	for _, c := range []byte(id) {
		if !isLowerHex(c) {
			return false
		}
	}
	return true
}

func isLowerHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f')
}
