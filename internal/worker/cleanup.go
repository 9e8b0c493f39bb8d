package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/funnel-tracker/internal/pkg/distlock"
)

// =============================================================================
// COOLDOWN EVICTION WORKER — Long-Window Identifier Retirement
// =============================================================================
// Cooldown identifiers only matter inside the suppression window, but
// the rows linger as retention history. Without a periodic sweep the
// table grows without bound. The sweep is a blind, idempotent delete of
// everything past the eviction horizon; running it too often is merely
// a no-op.

// DefaultEvictionInterval is how often the eviction sweep runs.
const DefaultEvictionInterval = 24 * time.Hour

// evictionLockTTL bounds how long one instance holds the sweep lock.
const evictionLockTTL = 10 * time.Minute

// StaleEvictor is the sweep the worker drives.
type StaleEvictor interface {
	EvictStale(ctx context.Context, now time.Time) (int64, error)
}

// LockFactory creates the per-cycle lock keeping the sweep
// single-flight across instances. May be nil for single-instance
// deployments.
type LockFactory func(job string, ttl time.Duration) distlock.Lock

// EvictionWorker periodically retires stale cooldown identifiers.
type EvictionWorker struct {
	evictor  StaleEvictor
	newLock  LockFactory
	interval time.Duration
}

// NewEvictionWorker creates the worker. A zero interval selects the
// default daily cadence.
func NewEvictionWorker(evictor StaleEvictor, newLock LockFactory, interval time.Duration) *EvictionWorker {
	if interval <= 0 {
		interval = DefaultEvictionInterval
	}
	return &EvictionWorker{evictor: evictor, newLock: newLock, interval: interval}
}

// Start begins the sweep loop. It blocks until ctx is cancelled.
func (w *EvictionWorker) Start(ctx context.Context) {
	log.Printf("[Eviction] Starting (interval=%s)", w.interval)

	// Run once immediately on start
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Eviction] Stopping")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *EvictionWorker) sweep(ctx context.Context) {
	if w.newLock != nil {
		lock := w.newLock("cooldown-eviction", evictionLockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Eviction] lock acquire failed: %v", err)
			return
		}
		if !ok {
			log.Println("[Eviction] another instance is sweeping, skipping cycle")
			return
		}
		defer lock.Release(ctx)
	}

	start := time.Now()
	evicted, err := w.evictor.EvictStale(ctx, start.UTC())
	if err != nil {
		log.Printf("[Eviction] sweep failed: %v", err)
		return
	}
	if evicted > 0 {
		log.Printf("[Eviction] Removed %d stale cooldown identifiers in %s", evicted, time.Since(start).Round(time.Millisecond))
	}
}
