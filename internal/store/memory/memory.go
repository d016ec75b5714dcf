// Package memory provides a process-local implementation of the secret store
// ports. Records live only as long as the process; it backs the memory
// backend and tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/keylock"
)

var (
	_ app.SecretStore = (*Store)(nil)
	_ app.Catalog     = (*Store)(nil)
)

// ErrDuplicate is returned by Put when the id is already stored.
var ErrDuplicate = errors.New("secret id already exists")

// Store is a map-backed secret store. Updates to one record are serialized
// by a per-id lock.
type Store struct {
	mu      sync.RWMutex
	secrets map[domain.SecretID]*domain.SecretRecord
	locks   keylock.Map
}

// New returns an empty Store.
func New() *Store {
	return &Store{secrets: make(map[domain.SecretID]*domain.SecretRecord)}
}

func (s *Store) Put(ctx context.Context, rec *domain.SecretRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !rec.ID.Valid() {
		return domain.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[rec.ID]; ok {
		return ErrDuplicate
	}
	s.secrets[rec.ID] = clone(rec)
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.SecretID) (*domain.SecretRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.secrets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(rec), nil
}

// Transact runs fn on a copy of the record and stores the copy's counters
// if fn succeeds. Callers are serialized per id; the map lock is held only
// to copy the record in and the counters out, so a slow fn on one id never
// stalls other ids.
func (s *Store) Transact(ctx context.Context, id domain.SecretID, fn app.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()

	s.mu.RLock()
	cur, ok := s.secrets[id]
	var next *domain.SecretRecord
	if ok {
		next = clone(cur)
	}
	s.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}

	prev := next.ReadCount
	if err := fn(next); err != nil {
		return err
	}
	if next.ReadCount < prev {
		return errors.New("read count must not decrease")
	}

	s.mu.Lock()
	cur.ReadCount = next.ReadCount
	cur.Policy = next.Policy
	s.mu.Unlock()
	return nil
}

// List returns summaries of all records, newest first.
func (s *Store) List(ctx context.Context, now time.Time) ([]domain.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Summary, 0, len(s.secrets))
	for _, rec := range s.secrets {
		out = append(out, rec.Summarize(now))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Summary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID.String() < b.ID.String() {
			return -1
		}
		return 1
	})
	return out, nil
}

func (s *Store) CountLive(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.secrets {
		if rec.Live(now) {
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored records, live or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}

func clone(rec *domain.SecretRecord) *domain.SecretRecord {
	c := *rec
	c.Envelope = domain.Envelope{
		Ciphertext: slices.Clone(rec.Envelope.Ciphertext),
		Salt:       slices.Clone(rec.Envelope.Salt),
		Nonce:      slices.Clone(rec.Envelope.Nonce),
	}
	return &c
}
