package metrics

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTempDB creates an isolated sqlite database file for tests.
func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newManager(t *testing.T, interval time.Duration) (*Manager, *sql.DB) {
	t.Helper()
	db := openTempDB(t)
	m := New(db, Config{FlushInterval: interval})
	require.NoError(t, m.InitSchema(context.Background()))
	return m, db
}

func readCounter(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	var v int64
	err := db.QueryRow(`SELECT value FROM metrics_counters WHERE name=?`, name).Scan(&v)
	require.NoError(t, err)
	return v
}

func TestManagerIncFlush(t *testing.T) {
	m, db := newManager(t, time.Hour)
	ctx := context.Background()
	m.Inc(CounterSecretsCreated, 1)
	m.Inc(CounterSecretsCreated, 2)
	require.NoError(t, m.Flush(ctx))
	assert.Equal(t, int64(3), readCounter(t, db, CounterSecretsCreated))

	m.Inc(CounterSecretsCreated, 4)
	require.NoError(t, m.Flush(ctx))
	assert.Equal(t, int64(7), readCounter(t, db, CounterSecretsCreated))
}

func TestManagerIncNonPositiveIgnored(t *testing.T) {
	m, _ := newManager(t, time.Hour)
	m.Inc(CounterSecretsRevealed, 0)
	m.Inc(CounterSecretsRevealed, -3)
	counters, _, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, counters, CounterSecretsRevealed)
}

func TestManagerObserveSummaryLayering(t *testing.T) {
	m, _ := newManager(t, time.Hour)
	ctx := context.Background()
	m.Observe(SummaryLiveSecrets, 5)
	m.Observe(SummaryLiveSecrets, 7)
	require.NoError(t, m.Flush(ctx))
	m.Observe(SummaryLiveSecrets, 1)
	m.Observe(SummaryLiveSecrets, 10)

	_, summaries, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Count: 4, Sum: 23, Min: 1, Max: 10}, summaries[SummaryLiveSecrets])
}

func TestManagerSnapshotMergesDeltas(t *testing.T) {
	m, _ := newManager(t, time.Hour)
	ctx := context.Background()
	m.Inc(CounterRevealNotFound, 2)
	require.NoError(t, m.Flush(ctx))
	m.Inc(CounterRevealNotFound, 3)
	counters, _, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counters[CounterRevealNotFound])
}

func TestManagerFlushEmpty(t *testing.T) {
	m, _ := newManager(t, time.Hour)
	assert.NoError(t, m.Flush(context.Background()))
}

func TestManagerStopFinalFlush(t *testing.T) {
	m, db := newManager(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx) // idempotent
	m.Inc(CounterRevealAuthFailed, 1)
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, int64(1), readCounter(t, db, CounterRevealAuthFailed))
}

func TestManagerLoopFlushesOnTick(t *testing.T) {
	m, db := newManager(t, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Inc(CounterSecretsRevealed, 2)
	assert.Eventually(t, func() bool {
		var v int64
		err := db.QueryRow(`SELECT value FROM metrics_counters WHERE name=?`, CounterSecretsRevealed).Scan(&v)
		return err == nil && v == 2
	}, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))
}

func TestManagerLoopContextCancel(t *testing.T) {
	m, _ := newManager(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()
	select {
	case <-m.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on context cancel")
	}
}

func TestManagerChannelFullDrop(t *testing.T) {
	m, _ := newManager(t, time.Hour)
	for i := 0; i < cap(m.events)+5; i++ {
		m.Inc(CounterSecretsCreated, 1)
	}
	counters, _, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(cap(m.events)), counters[CounterSecretsCreated])
	assert.Equal(t, int64(5), counters[CounterEventsDropped])
}

func TestManagerFlushFailureKeepsDeltas(t *testing.T) {
	db := openTempDB(t)
	m := New(db, Config{FlushInterval: time.Hour})
	// No schema: the flush must fail and keep the delta for a later retry.
	m.Inc(CounterSecretsCreated, 2)
	require.Error(t, m.Flush(context.Background()))
	require.NoError(t, m.InitSchema(context.Background()))
	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, int64(2), readCounter(t, db, CounterSecretsCreated))
}
