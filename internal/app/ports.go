// Package app defines the application layer "ports" (interfaces) and the
// consumption engine that the core use-cases of lockbox depend upon. It
// follows a hexagonal (ports & adapters) design: this package declares what
// the core needs, while adapter packages (SQLite+filesystem, memory and Redis
// storage, the HTTP layer, janitor jobs) provide concrete implementations.
// No I/O, logging, SQL, or network concerns belong here.
package app

import (
	"context"
	"time"

	"github.com/haukened/lockbox/internal/domain"
)

// Clock abstracts time to enable deterministic testing of expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// TxFunc inspects and may mutate a record inside SecretStore.Transact.
// Returning an error aborts the transaction without persisting anything.
type TxFunc func(rec *domain.SecretRecord) error

// SecretStore is the storage port for secrets.
type SecretStore interface {
	// Put persists a new record. It MUST return only after the record is
	// durable. Ids are fresh, so Put never contends with other writers.
	Put(ctx context.Context, rec *domain.SecretRecord) error

	// Get returns a copy of the record, or domain.ErrNotFound.
	Get(ctx context.Context, id domain.SecretID) (*domain.SecretRecord, error)

	// Transact hands fn a consistent copy of the record and commits the
	// counters fn leaves behind (read count and remaining reads) as one
	// durable write. No two Transact calls on the same id overlap. An absent
	// id yields domain.ErrNotFound without calling fn; an error from fn is
	// returned unchanged and nothing is written. Implementations may call fn
	// again after a lost optimistic race; only the final call is committed.
	Transact(ctx context.Context, id domain.SecretID, fn TxFunc) error
}

// PolicyReader is an optional SecretStore extension that reads a record's
// expiry policy without loading its ciphertext. The service uses it to turn
// away dead records before taking the id lock.
type PolicyReader interface {
	Policy(ctx context.Context, id domain.SecretID) (domain.ExpiryPolicy, error)
}

// Catalog exposes read-only, non-sensitive queries for admin and stats.
type Catalog interface {
	// List returns summaries of all records, newest first.
	List(ctx context.Context, now time.Time) ([]domain.Summary, error)
	// CountLive returns how many records are live at now.
	CountLive(ctx context.Context, now time.Time) (int, error)
}

// Crypter seals and opens envelopes.
type Crypter interface {
	Seal(plaintext []byte, password string) (domain.Envelope, error)
	Open(env domain.Envelope, password string) ([]byte, error)
}

// Recorder receives counter increments. It must never block.
type Recorder interface {
	Inc(name string, delta int64)
}

type nopRecorder struct{}

func (nopRecorder) Inc(string, int64) {}
