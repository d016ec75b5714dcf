// Package store defines internal persistence adapter ports used by the
// higher-level SecretStore implementation. These ports isolate the concrete
// SQLite index and filesystem blob storage so they can be tested and evolved
// independently. Callers outside this package interact only with the
// app.SecretStore and app.Catalog implementations, not these details.
package store

import (
	"context"
	"io"
	"time"

	"github.com/haukened/lockbox/internal/domain"
)

// Row is an index entry. When External is true the ciphertext lives in blob
// storage and Record.Envelope.Ciphertext is nil.
type Row struct {
	Record   domain.SecretRecord
	External bool
	Size     int64
}

// Index abstracts the metadata/index operations (typically backed by SQLite).
// It stores record metadata, inlined small ciphertext, and references to blob
// files for larger payloads.
type Index interface {
	Insert(ctx context.Context, row Row) error
	// Lookup returns the row for id or domain.ErrNotFound.
	Lookup(ctx context.Context, id string) (Row, error)
	// UpdateCounters writes readCount and the policy's remaining reads only if
	// the stored read count still equals prevReadCount. It reports whether
	// the row was updated.
	UpdateCounters(ctx context.Context, id string, prevReadCount, readCount int, policy domain.ExpiryPolicy) (bool, error)
	List(ctx context.Context, now time.Time) ([]domain.Summary, error)
	CountLive(ctx context.Context, now time.Time) (int, error)
	// ListExternalIDs returns IDs of secrets whose payloads are stored externally.
	ListExternalIDs(ctx context.Context) ([]string, error)
}

// BlobStorage abstracts large payload persistence on the filesystem.
type BlobStorage interface {
	Write(id string, r io.Reader, size int64) error
	Open(id string) (io.ReadCloser, error)
	Delete(id string) error
	// List returns all blob IDs present in storage (filenames sans extension).
	List() ([]string, error)
}
