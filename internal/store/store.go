// Package store provides the concrete implementation of the application
// SecretStore port by composing lower-layer persistence ports (Index and
// BlobStorage). External packages should construct the store via New and
// interact only through the app.SecretStore and app.Catalog interfaces.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/keylock"
)

// ErrConflict is returned by Transact when the optimistic write kept losing
// to concurrent writers.
var ErrConflict = errors.New("transaction conflict: retries exhausted")

// DefaultMaxAttempts bounds optimistic retries inside Transact.
const DefaultMaxAttempts = 5

// Store composes an Index and BlobStorage to satisfy app.SecretStore.
// Ciphertexts up to inlineMax bytes are kept in the index row; larger ones
// go to blob storage and only the reference is kept in the index.
type Store struct {
	index       Index
	blobs       BlobStorage
	inlineMax   int64
	maxAttempts int
	locks       keylock.Map
}

// New returns a Store implementation of app.SecretStore and app.Catalog.
func New(index Index, blobs BlobStorage, inlineMax int64) *Store {
	return &Store{index: index, blobs: blobs, inlineMax: inlineMax, maxAttempts: DefaultMaxAttempts}
}

var (
	_ app.SecretStore  = (*Store)(nil)
	_ app.Catalog      = (*Store)(nil)
	_ app.PolicyReader = (*Store)(nil)
)

// Put persists a record. Ciphertext above inlineMax is written to blob
// storage first; the blob is removed again if the index insert fails.
func (s *Store) Put(ctx context.Context, rec *domain.SecretRecord) error {
	if s == nil || s.index == nil {
		return errors.New("store not properly initialized")
	}
	if !rec.ID.Valid() {
		return domain.ErrInvalidID
	}
	row := Row{Record: *rec, Size: int64(len(rec.Envelope.Ciphertext))}
	if row.Size > s.inlineMax {
		if s.blobs == nil {
			return errors.New("payload exceeds inline limit and no blob storage is configured")
		}
		if err := s.blobs.Write(rec.ID.String(), bytes.NewReader(rec.Envelope.Ciphertext), row.Size); err != nil {
			return fmt.Errorf("write blob: %w", err)
		}
		row.External = true
		row.Record.Envelope.Ciphertext = nil
	}
	if err := s.index.Insert(ctx, row); err != nil {
		if row.External {
			_ = s.blobs.Delete(rec.ID.String()) // best-effort
		}
		return err
	}
	return nil
}

// Get returns a fully hydrated copy of the record.
func (s *Store) Get(ctx context.Context, id domain.SecretID) (*domain.SecretRecord, error) {
	if s == nil || s.index == nil {
		return nil, errors.New("store not properly initialized")
	}
	row, err := s.index.Lookup(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(&row); err != nil {
		return nil, err
	}
	return &row.Record, nil
}

// Policy returns the record's expiry policy from the index alone; external
// ciphertext is left on disk.
func (s *Store) Policy(ctx context.Context, id domain.SecretID) (domain.ExpiryPolicy, error) {
	if s == nil || s.index == nil {
		return domain.ExpiryPolicy{}, errors.New("store not properly initialized")
	}
	row, err := s.index.Lookup(ctx, id.String())
	if err != nil {
		return domain.ExpiryPolicy{}, err
	}
	return row.Record.Policy, nil
}

// Transact serializes callers per id with an in-process lock and commits
// fn's counters with a compare-and-swap on read_count, so writers in other
// processes sharing the database are detected and the whole sequence is
// retried.
func (s *Store) Transact(ctx context.Context, id domain.SecretID, fn app.TxFunc) error {
	if s == nil || s.index == nil {
		return errors.New("store not properly initialized")
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := s.index.Lookup(ctx, id.String())
		if err != nil {
			return err
		}
		if err := s.hydrate(&row); err != nil {
			return err
		}
		rec := row.Record
		prev := rec.ReadCount
		if err := fn(&rec); err != nil {
			return err
		}
		if rec.ReadCount < prev {
			return errors.New("read count must not decrease")
		}
		ok, err := s.index.UpdateCounters(ctx, id.String(), prev, rec.ReadCount, rec.Policy)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConflict
}

// List returns summaries of all records, newest first.
func (s *Store) List(ctx context.Context, now time.Time) ([]domain.Summary, error) {
	return s.index.List(ctx, now)
}

// CountLive returns the number of records live at now.
func (s *Store) CountLive(ctx context.Context, now time.Time) (int, error) {
	return s.index.CountLive(ctx, now)
}

// Reconcile scans for blob orphans (blobs without an index row, left behind
// by a failed Put) and removes them. It returns how many were deleted.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	if s.index == nil || s.blobs == nil {
		return 0, nil
	}
	blobIDs, err := s.blobs.List()
	if err != nil {
		return 0, err
	}
	extIDs, err := s.index.ListExternalIDs(ctx)
	if err != nil {
		return 0, err
	}
	indexSet := make(map[string]struct{}, len(extIDs))
	for _, id := range extIDs {
		indexSet[id] = struct{}{}
	}
	removed := 0
	for _, bid := range blobIDs {
		if _, ok := indexSet[bid]; ok {
			continue
		}
		if err := s.blobs.Delete(bid); err == nil {
			removed++
		}
	}
	return removed, nil
}

// hydrate loads external ciphertext into row.Record.
func (s *Store) hydrate(row *Row) error {
	if !row.External {
		return nil
	}
	if s.blobs == nil {
		return errors.New("record references blob storage but none is configured")
	}
	rc, err := s.blobs.Open(row.Record.ID.String())
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer rc.Close()
	buf := make([]byte, row.Size)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return fmt.Errorf("read blob: %w", err)
	}
	row.Record.Envelope.Ciphertext = buf
	return nil
}
