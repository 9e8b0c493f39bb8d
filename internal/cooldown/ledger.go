// Package cooldown decides whether a visit from a network origin is a
// countable first touch or a suppressed repeat. The decision is a
// single Postgres upsert keyed by (origin, product), so concurrent
// first-touch requests from the same origin collapse to exactly one
// counted visit. A Redis cache short-circuits repeat lookups inside the
// window; Postgres stays the source of truth.
package cooldown

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/funnel-tracker/internal/errs"
)

const (
	// DefaultWindow is the suppression bound: repeat visits from the
	// same (origin, product) inside this window are not counted.
	DefaultWindow = 24 * time.Hour

	// DefaultHorizon is the retention bound: identifiers older than
	// this are swept by the eviction job. Distinct from the window.
	DefaultHorizon = 30 * 24 * time.Hour

	// evictBatchSize limits each eviction DELETE to avoid long
	// transactions locking the table under ingest traffic.
	evictBatchSize = 10000
)

// Ledger tracks (origin, product) pairs and their last counted visit.
type Ledger struct {
	db      *sql.DB
	rdb     *redis.Client
	window  time.Duration
	horizon time.Duration
}

// NewLedger creates a ledger. rdb may be nil; the cache is optional and
// best-effort.
func NewLedger(db *sql.DB, rdb *redis.Client, window, horizon time.Duration) *Ledger {
	if window <= 0 {
		window = DefaultWindow
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Ledger{db: db, rdb: rdb, window: window, horizon: horizon}
}

// Window returns the configured suppression window.
func (l *Ledger) Window() time.Duration { return l.window }

func cacheKey(origin, product string) string {
	return fmt.Sprintf("cooldown:%s:%s", origin, product)
}

// ShouldCountVisit reports whether a visit from origin for product at
// now is a countable first touch. Counting and recording are one
// atomic statement: insert a fresh identifier, or refresh one whose
// window has lapsed. When the statement touches no row the visit is
// suppressed.
func (l *Ledger) ShouldCountVisit(ctx context.Context, origin, product string, now time.Time) (bool, error) {
	origin = strings.TrimSpace(origin)
	product = strings.TrimSpace(product)
	if origin == "" || product == "" {
		return false, errs.Validationf(origin+"/"+product, "origin and product are required")
	}

	// Fast path: a live cache entry means a row inside the window
	// already exists, so the visit cannot count.
	if l.rdb != nil {
		n, err := l.rdb.Exists(ctx, cacheKey(origin, product)).Result()
		if err == nil && n > 0 {
			return false, nil
		}
		if err != nil {
			log.Printf("[Cooldown] cache lookup failed for %s/%s: %v", origin, product, err)
		}
	}

	cutoff := now.Add(-l.window)
	var id uuid.UUID
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO funnel_cooldown_identifiers (id, origin, product, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (origin, product) DO UPDATE
			SET id = EXCLUDED.id, created_at = EXCLUDED.created_at
			WHERE funnel_cooldown_identifiers.created_at < $5
		RETURNING id
	`, uuid.New(), origin, product, now, cutoff).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict row is still fresh: suppressed repeat. Not cached
		// here — the cache TTL must start at the counted visit, or a
		// late repeat would extend suppression past the window.
		return false, nil
	}
	if err != nil {
		return false, errs.Store("cooldown upsert", origin+"/"+product, err)
	}

	l.cacheSet(ctx, origin, product)
	return true, nil
}

func (l *Ledger) cacheSet(ctx context.Context, origin, product string) {
	if l.rdb == nil {
		return
	}
	if err := l.rdb.Set(ctx, cacheKey(origin, product), "1", l.window).Err(); err != nil {
		log.Printf("[Cooldown] cache set failed for %s/%s: %v", origin, product, err)
	}
}

// RemoveOrigin lifts the cooldown for (origin, product) regardless of
// age: an operator action, idempotent. Returns the number of removed
// identifiers.
func (l *Ledger) RemoveOrigin(ctx context.Context, origin, product string) (int64, error) {
	origin = strings.TrimSpace(origin)
	product = strings.TrimSpace(product)
	if origin == "" || product == "" {
		return 0, errs.Validationf(origin+"/"+product, "origin and product are required")
	}

	res, err := l.db.ExecContext(ctx, `
		DELETE FROM funnel_cooldown_identifiers WHERE origin = $1 AND product = $2
	`, origin, product)
	if err != nil {
		return 0, errs.Store("cooldown remove", origin+"/"+product, err)
	}

	if l.rdb != nil {
		if err := l.rdb.Del(ctx, cacheKey(origin, product)).Err(); err != nil {
			log.Printf("[Cooldown] cache del failed for %s/%s: %v", origin, product, err)
		}
	}

	removed, _ := res.RowsAffected()
	return removed, nil
}

// EvictStale deletes identifiers older than the eviction horizon, in
// batches. Safe to invoke arbitrarily often; a no-op when nothing has
// expired. Returns the number of evicted identifiers.
func (l *Ledger) EvictStale(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-l.horizon)
	var total int64

	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		res, err := l.db.ExecContext(ctx, `
			DELETE FROM funnel_cooldown_identifiers
			WHERE id IN (
				SELECT id FROM funnel_cooldown_identifiers
				WHERE created_at < $1
				LIMIT $2
			)
		`, cutoff, evictBatchSize)
		if err != nil {
			return total, errs.Store("cooldown evict", "sweep", err)
		}

		affected, _ := res.RowsAffected()
		if affected == 0 {
			return total, nil
		}
		total += affected
	}
}
