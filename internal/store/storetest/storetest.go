// Package storetest holds a behavioural suite shared by every secret store
// adapter. Adapter tests call Run with a factory returning a fresh, empty
// store.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/domain"
)

// Store is the surface exercised by the suite.
type Store interface {
	app.SecretStore
	app.Catalog
}

// Factory returns an empty store scoped to t.
type Factory func(t *testing.T) Store

// Epoch is the creation time base used by the suite's records.
var Epoch = time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

// NewRecord builds a record with a fresh id and ciphertext of n bytes.
func NewRecord(t *testing.T, n int, kind domain.Kind, policy domain.ExpiryPolicy, created time.Time) *domain.SecretRecord {
	t.Helper()
	id, err := domain.NewID()
	require.NoError(t, err)
	return &domain.SecretRecord{
		ID: id,
		Envelope: domain.Envelope{
			Ciphertext: bytes.Repeat([]byte{0xAB}, n),
			Salt:       bytes.Repeat([]byte{0x01}, 32),
			Nonce:      bytes.Repeat([]byte{0x02}, 12),
		},
		Kind:      kind,
		CreatedAt: created,
		Policy:    policy,
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("LargeCiphertext", func(t *testing.T) { testLarge(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("TransactPersists", func(t *testing.T) { testTransactPersists(t, newStore(t)) })
	t.Run("TransactErrorLeavesRecord", func(t *testing.T) { testTransactError(t, newStore(t)) })
	t.Run("TransactMissing", func(t *testing.T) { testTransactMissing(t, newStore(t)) })
	t.Run("ConcurrentSingleRead", func(t *testing.T) { testConcurrentSingleRead(t, newStore(t)) })
	t.Run("ListAndCountLive", func(t *testing.T) { testListAndCount(t, newStore(t)) })
	t.Run("DifferentIDsDoNotBlock", func(t *testing.T) { testDifferentIDsDoNotBlock(t, newStore(t)) })
}

// testDifferentIDsDoNotBlock parks a Transact on one id inside its callback
// and requires reads and transactions on another id to finish meanwhile.
func testDifferentIDsDoNotBlock(t *testing.T, s Store) {
	ctx := context.Background()
	a := NewRecord(t, 8, domain.Text(), domain.ReadBudget(1), Epoch)
	b := NewRecord(t, 8, domain.Text(), domain.ReadBudget(1), Epoch.Add(time.Second))
	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, b))

	entered := make(chan struct{})
	release := make(chan struct{})
	var enterOnce, releaseOnce sync.Once
	unpark := func() { releaseOnce.Do(func() { close(release) }) }
	defer unpark()

	parked := make(chan error, 1)
	go func() {
		parked <- s.Transact(ctx, a.ID, func(rec *domain.SecretRecord) error {
			enterOnce.Do(func() { close(entered) })
			<-release
			return rec.RecordRead()
		})
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("transact on the first id never ran its callback")
	}

	done := make(chan error, 1)
	go func() {
		if _, err := s.Get(ctx, b.ID); err != nil {
			done <- err
			return
		}
		if _, err := s.CountLive(ctx, Epoch); err != nil {
			done <- err
			return
		}
		done <- s.Transact(ctx, b.ID, func(rec *domain.SecretRecord) error { return rec.RecordRead() })
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("operations on a second id waited for a transact in flight on the first")
	}

	unpark()
	require.NoError(t, <-parked)
	for _, id := range []domain.SecretID{a.ID, b.ID} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ReadCount)
	}
}

func testPutGet(t *testing.T, s Store) {
	ctx := context.Background()
	cases := []*domain.SecretRecord{
		NewRecord(t, 21, domain.Text(), domain.ReadBudget(1), Epoch),
		NewRecord(t, 40, domain.File("a.bin", "application/pdf"), domain.Deadline(Epoch.Add(time.Hour)), Epoch),
		NewRecord(t, 16, domain.File("", ""), domain.Never(), Epoch),
	}
	for _, rec := range cases {
		require.NoError(t, s.Put(ctx, rec))
		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.Envelope, got.Envelope)
		assert.Equal(t, rec.Kind, got.Kind)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, rec.Policy.Mode, got.Policy.Mode)
		assert.True(t, rec.Policy.Deadline.Equal(got.Policy.Deadline))
		assert.Equal(t, rec.Policy.Remaining, got.Policy.Remaining)
		assert.Equal(t, 0, got.ReadCount)
	}
}

func testLarge(t *testing.T, s Store) {
	ctx := context.Background()
	rec := NewRecord(t, 256*1024, domain.File("big.bin", ""), domain.ReadBudget(2), Epoch)
	require.NoError(t, s.Put(ctx, rec))
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Envelope.Ciphertext, got.Envelope.Ciphertext)

	require.NoError(t, s.Transact(ctx, rec.ID, func(r *domain.SecretRecord) error {
		assert.Equal(t, rec.Envelope.Ciphertext, r.Envelope.Ciphertext)
		return r.RecordRead()
	}))
}

func testGetMissing(t *testing.T, s Store) {
	id, err := domain.NewID()
	require.NoError(t, err)
	_, err = s.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testTransactPersists(t *testing.T, s Store) {
	ctx := context.Background()
	rec := NewRecord(t, 32, domain.Text(), domain.ReadBudget(3), Epoch)
	require.NoError(t, s.Put(ctx, rec))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Transact(ctx, rec.ID, func(r *domain.SecretRecord) error { return r.RecordRead() }))
		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.ReadCount)
		assert.Equal(t, 3-i, got.Policy.Remaining)
	}
	err := s.Transact(ctx, rec.ID, func(r *domain.SecretRecord) error { return r.RecordRead() })
	assert.ErrorIs(t, err, domain.ErrBudgetExhausted)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Live(Epoch))
}

func testTransactError(t *testing.T, s Store) {
	ctx := context.Background()
	rec := NewRecord(t, 32, domain.Text(), domain.ReadBudget(2), Epoch)
	require.NoError(t, s.Put(ctx, rec))

	boom := errors.New("boom")
	err := s.Transact(ctx, rec.ID, func(r *domain.SecretRecord) error {
		_ = r.RecordRead()
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReadCount)
	assert.Equal(t, 2, got.Policy.Remaining)
}

func testTransactMissing(t *testing.T, s Store) {
	id, err := domain.NewID()
	require.NoError(t, err)
	called := false
	err = s.Transact(context.Background(), id, func(*domain.SecretRecord) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, called)
}

func testConcurrentSingleRead(t *testing.T, s Store) {
	ctx := context.Background()
	rec := NewRecord(t, 32, domain.Text(), domain.ReadBudget(1), Epoch)
	require.NoError(t, s.Put(ctx, rec))

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.Transact(ctx, rec.ID, func(r *domain.SecretRecord) error { return r.RecordRead() })
			if err == nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReadCount)
	assert.Equal(t, 0, got.Policy.Remaining)
}

func testListAndCount(t *testing.T, s Store) {
	ctx := context.Background()
	older := NewRecord(t, 16, domain.Text(), domain.Deadline(Epoch.Add(time.Minute)), Epoch)
	newer := NewRecord(t, 16, domain.File("x.txt", "text/plain"), domain.ReadBudget(1), Epoch.Add(time.Second))
	spent := NewRecord(t, 16, domain.Text(), domain.ReadBudget(1), Epoch.Add(2*time.Second))
	for _, rec := range []*domain.SecretRecord{older, newer, spent} {
		require.NoError(t, s.Put(ctx, rec))
	}
	require.NoError(t, s.Transact(ctx, spent.ID, func(r *domain.SecretRecord) error { return r.RecordRead() }))

	list, err := s.List(ctx, Epoch)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, spent.ID, list[0].ID)
	assert.Equal(t, newer.ID, list[1].ID)
	assert.Equal(t, older.ID, list[2].ID)
	assert.False(t, list[0].Live)
	assert.Equal(t, 1, list[0].ReadCount)
	assert.True(t, list[2].Live)
	require.NotNil(t, list[2].ExpiresAt)
	require.NotNil(t, list[1].RemainingReads)
	assert.Equal(t, 1, *list[1].RemainingReads)

	n, err := s.CountLive(ctx, Epoch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountLive(ctx, Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "deadline record is not live at its deadline")
}
