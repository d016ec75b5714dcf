// Package domain record.go defines the persisted unit of the vault.
package domain

import "time"

// Envelope is the sealed form of a payload. Salt and Nonce are fresh per
// record; the key is never stored.
type Envelope struct {
	Ciphertext []byte
	Salt       []byte
	Nonce      []byte
}

// SecretRecord is a sealed secret plus its policy metadata.
type SecretRecord struct {
	ID        SecretID
	Envelope  Envelope
	Kind      Kind
	CreatedAt time.Time
	Policy    ExpiryPolicy
	ReadCount int
}

// Live reports whether the record may still be revealed at now.
func (r *SecretRecord) Live(now time.Time) bool { return r.Policy.Live(now) }

// RecordRead applies one successful reveal: read_count grows by one and a
// read budget shrinks by one. The record is left untouched on error.
func (r *SecretRecord) RecordRead() error {
	p, err := r.Policy.consume()
	if err != nil {
		return err
	}
	r.Policy = p
	r.ReadCount++
	return nil
}

// Summary is the non-sensitive projection of a record used by admin and
// stats collaborators. It never carries ciphertext, salt, nonce or plaintext.
type Summary struct {
	ID             SecretID
	Kind           Kind
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	RemainingReads *int
	ReadCount      int
	Live           bool
}

// Summarize projects r into a Summary evaluated at now.
func (r *SecretRecord) Summarize(now time.Time) Summary {
	s := Summary{ID: r.ID, Kind: r.Kind, CreatedAt: r.CreatedAt, ReadCount: r.ReadCount, Live: r.Live(now)}
	if t, ok := r.Policy.ExpiresAt(); ok {
		s.ExpiresAt = &t
	}
	if n, ok := r.Policy.RemainingReads(); ok {
		s.RemainingReads = &n
	}
	return s
}
