// Package janitor implements background housekeeping for the vault: removal
// of orphan blobs left by failed writes and periodic sampling of the live
// secret count. It never deletes records; expired and spent secrets stay in
// the store and are simply no longer revealable.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/lockbox/internal/metrics"
)

// Reconciler removes orphaned blob files and reports how many were deleted.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// LiveCounter reports how many secrets are revealable at now.
type LiveCounter interface {
	CountLive(ctx context.Context, now time.Time) (int, error)
}

// Observer receives the values sampled by each cycle.
type Observer interface {
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval time.Duration    // how often a cycle begins
	Logger   *slog.Logger     // optional logger (defaults to slog.Default())
	Now      func() time.Time // optional clock (defaults to time.Now)
}

// Metrics accumulates in-process counters for operational insight.
type Metrics struct {
	mu                  sync.Mutex
	Cycles              uint64
	OrphansRemoved      uint64
	LastLive            int
	CycleLastDurationMS int64
}

// MetricsView is a read-only snapshot safe to copy.
type MetricsView struct {
	Cycles              uint64
	OrphansRemoved      uint64
	LastLive            int
	CycleLastDurationMS int64
}

func (m *Metrics) recordCycle(orphans, live int, d time.Duration) {
	m.mu.Lock()
	m.Cycles++
	if orphans > 0 {
		m.OrphansRemoved += uint64(orphans)
	}
	if live >= 0 {
		m.LastLive = live
	}
	m.CycleLastDurationMS = d.Milliseconds()
	m.mu.Unlock()
}

// Janitor encapsulates the background housekeeping loop.
type Janitor struct {
	reconciler Reconciler
	counter    LiveCounter
	observer   Observer
	cfg        Config
	metrics    *Metrics

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. reconciler and observer may be
// nil when the backend has no blob storage or metrics are disabled.
func New(reconciler Reconciler, counter LiveCounter, observer Observer, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		reconciler: reconciler,
		counter:    counter,
		observer:   observer,
		cfg:        cfg,
		metrics:    &Metrics{},
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	} // already started
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. It is a no-op if
// Start was never called.
func (j *Janitor) Stop() {
	if j.ticker == nil {
		return
	}
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

// MetricsSnapshot returns a copy of current metrics.
func (j *Janitor) MetricsSnapshot() MetricsView {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()
	return MetricsView{
		Cycles:              j.metrics.Cycles,
		OrphansRemoved:      j.metrics.OrphansRemoved,
		LastLive:            j.metrics.LastLive,
		CycleLastDurationMS: j.metrics.CycleLastDurationMS,
	}
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one reconcile + sample cycle synchronously.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")

	orphans := 0
	if j.reconciler != nil {
		n, err := j.reconciler.Reconcile(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconcile", "error", err)
		}
		orphans = n
	}

	live := -1
	if j.counter != nil {
		n, err := j.counter.CountLive(ctx, j.cfg.Now().UTC())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("count live", "error", err)
			}
		} else {
			live = n
		}
	}

	if j.observer != nil {
		j.observer.Observe(metrics.SummaryOrphanRemoved, int64(orphans))
		if live >= 0 {
			j.observer.Observe(metrics.SummaryLiveSecrets, int64(live))
		}
	}
	j.metrics.recordCycle(orphans, live, time.Since(start))
	log.Info("cycle complete", "orphans_removed", orphans, "live", live, "ms", time.Since(start).Milliseconds())
}
