package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/store"
	"github.com/haukened/lockbox/internal/store/storetest"
)

// openTestDB opens a transient SQLite database file in a temp dir with WAL enabled.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := New(openTestDB(t))
	require.NoError(t, err)
	return ix
}

func TestIndexConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return store.New(newIndex(t), nil, 1<<30)
	})
}

func TestIndexInsertLookupInline(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()
	rec := storetest.NewRecord(t, 24, domain.File("a.bin", "application/pdf"), domain.Deadline(storetest.Epoch.Add(time.Hour)), storetest.Epoch)

	require.NoError(t, ix.Insert(ctx, store.Row{Record: *rec, Size: 24}))
	row, err := ix.Lookup(ctx, rec.ID.String())
	require.NoError(t, err)
	assert.False(t, row.External)
	assert.Equal(t, int64(24), row.Size)
	assert.Equal(t, rec.Envelope, row.Record.Envelope)
	assert.Equal(t, rec.Kind, row.Record.Kind)
	assert.True(t, rec.CreatedAt.Equal(row.Record.CreatedAt))
	assert.Equal(t, domain.PolicyDeadline, row.Record.Policy.Mode)
	assert.True(t, rec.Policy.Deadline.Equal(row.Record.Policy.Deadline))
}

func TestIndexInsertExternal(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()
	rec := storetest.NewRecord(t, 0, domain.Text(), domain.ReadBudget(2), storetest.Epoch)
	rec.Envelope.Ciphertext = nil

	require.NoError(t, ix.Insert(ctx, store.Row{Record: *rec, External: true, Size: 1234}))
	row, err := ix.Lookup(ctx, rec.ID.String())
	require.NoError(t, err)
	assert.True(t, row.External)
	assert.Equal(t, int64(1234), row.Size)
	assert.Nil(t, row.Record.Envelope.Ciphertext)

	ids, err := ix.ListExternalIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID.String()}, ids)
}

func TestIndexDuplicateInsert(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()
	rec := storetest.NewRecord(t, 8, domain.Text(), domain.ReadBudget(1), storetest.Epoch)
	require.NoError(t, ix.Insert(ctx, store.Row{Record: *rec, Size: 8}))
	assert.Error(t, ix.Insert(ctx, store.Row{Record: *rec, Size: 8}))
}

func TestIndexLookupMissing(t *testing.T) {
	ix := newIndex(t)
	_, err := ix.Lookup(context.Background(), "0123456789abcdef0123456789abcdef")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIndexUpdateCountersCAS(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()
	rec := storetest.NewRecord(t, 8, domain.Text(), domain.ReadBudget(3), storetest.Epoch)
	require.NoError(t, ix.Insert(ctx, store.Row{Record: *rec, Size: 8}))

	ok, err := ix.UpdateCounters(ctx, rec.ID.String(), 0, 1, domain.ReadBudget(2))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ix.UpdateCounters(ctx, rec.ID.String(), 0, 1, domain.ReadBudget(2))
	require.NoError(t, err)
	assert.False(t, ok, "stale read count must not match")

	row, err := ix.Lookup(ctx, rec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, row.Record.ReadCount)
	assert.Equal(t, 2, row.Record.Policy.Remaining)

	ok, err = ix.UpdateCounters(ctx, "ffffffffffffffffffffffffffffffff", 0, 1, domain.Never())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndexCountLiveByPolicy(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()
	now := storetest.Epoch
	rows := []*domain.SecretRecord{
		storetest.NewRecord(t, 8, domain.Text(), domain.Never(), now),
		storetest.NewRecord(t, 8, domain.Text(), domain.Deadline(now.Add(time.Nanosecond)), now),
		storetest.NewRecord(t, 8, domain.Text(), domain.Deadline(now), now),
		storetest.NewRecord(t, 8, domain.Text(), domain.ReadBudget(1), now),
		storetest.NewRecord(t, 8, domain.Text(), domain.ReadBudget(0), now),
	}
	for _, rec := range rows {
		require.NoError(t, ix.Insert(ctx, store.Row{Record: *rec, Size: 8}))
	}
	n, err := ix.CountLive(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := ix.List(ctx, now)
	require.NoError(t, err)
	live := 0
	for _, s := range list {
		if s.Live {
			live++
		}
	}
	assert.Equal(t, n, live, "SQL liveness must agree with the domain rule")
}

func TestIndexUnknownPolicyIsNotLive(t *testing.T) {
	db := openTestDB(t)
	ix, err := New(db)
	require.NoError(t, err)
	ctx := context.Background()

	for _, mode := range []int{7, 256} {
		rec := storetest.NewRecord(t, 8, domain.Text(), domain.Never(), storetest.Epoch)
		require.NoError(t, ix.Insert(ctx, store.Row{Record: *rec, Size: 8}))
		_, err := db.ExecContext(ctx, `UPDATE secrets SET policy = ? WHERE id = ?`, mode, rec.ID.String())
		require.NoError(t, err)

		row, err := ix.Lookup(ctx, rec.ID.String())
		require.NoError(t, err)
		assert.False(t, row.Record.Live(storetest.Epoch), "mode %d", mode)
	}

	n, err := ix.CountLive(ctx, storetest.Epoch)
	require.NoError(t, err)
	assert.Zero(t, n)
	list, err := ix.List(ctx, storetest.Epoch)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, s := range list {
		assert.False(t, s.Live)
	}
}
