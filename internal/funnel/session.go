package funnel

import (
	"context"
	"time"

	"github.com/ignite/funnel-tracker/internal/attribution"
	"github.com/ignite/funnel-tracker/internal/errs"
)

// ensureSession loads the session or creates it with the attribution
// resolved from the incoming hints. Creation races are settled by the
// store (ON CONFLICT DO NOTHING); the re-read observes the surviving
// row.
func ensureSession(ctx context.Context, st *Store, id, product, funnelType string, hints attribution.Hints, now time.Time) (*Session, error) {
	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess = &Session{
		ID:          id,
		Product:     product,
		FunnelType:  funnelType,
		Attribution: attribution.Resolve(nil, hints),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	// Re-read: a concurrent creator may have won the insert.
	sess, err = st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errs.Store("session ensure", id, errSessionVanished)
	}
	return sess, nil
}

// mergeAttribution applies the resolver's policy onto the stored
// session under optimistic concurrency: the conditional update is
// guarded by updated_at, and a lost race re-reads and re-resolves
// rather than blindly overwriting. The session is mutated in place on
// success.
func mergeAttribution(ctx context.Context, st *Store, sess *Session, hints attribution.Hints, now time.Time, maxAttempts int) (attribution.Snapshot, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resolved := attribution.Resolve(&sess.Attribution, hints)
		if resolved.Equal(sess.Attribution) {
			return resolved, nil
		}

		ok, err := st.UpdateSessionAttribution(ctx, sess.ID, resolved, sess.UpdatedAt, now)
		if err != nil {
			return attribution.Snapshot{}, err
		}
		if ok {
			sess.Attribution = resolved
			sess.UpdatedAt = now
			return resolved, nil
		}

		fresh, err := st.GetSession(ctx, sess.ID)
		if err != nil {
			return attribution.Snapshot{}, err
		}
		if fresh == nil {
			return attribution.Snapshot{}, errs.Store("session merge", sess.ID, errSessionVanished)
		}
		*sess = *fresh
	}
	return attribution.Snapshot{}, &errs.ConflictError{SessionID: sess.ID, Attempts: maxAttempts}
}
