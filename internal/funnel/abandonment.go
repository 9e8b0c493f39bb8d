package funnel

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/funnel-tracker/internal/attribution"
	"github.com/ignite/funnel-tracker/internal/errs"
)

// DefaultReconcileLookback bounds how far back a conversion retracts
// abandonment signals for its fingerprint.
const DefaultReconcileLookback = 24 * time.Hour

// Tracker records funnel-exit signals and reconciles them away when
// the device later converts.
type Tracker struct {
	store         *Store
	lookback      time.Duration
	mergeAttempts int
	now           func() time.Time
}

// NewTracker creates a tracker with the given reconciliation lookback.
func NewTracker(store *Store, lookback time.Duration) *Tracker {
	if lookback <= 0 {
		lookback = DefaultReconcileLookback
	}
	return &Tracker{
		store:         store,
		lookback:      lookback,
		mergeAttempts: DefaultMergeAttempts,
		now:           time.Now,
	}
}

// RecordAbandonmentInput carries one reported funnel exit.
type RecordAbandonmentInput struct {
	SessionID   string            `json:"session_id"`
	Fingerprint string            `json:"fingerprint"`
	Reason      string            `json:"reason"`
	Step        string            `json:"step"`
	Product     string            `json:"product"`
	FunnelType  string            `json:"funnel_type"`
	Hints       attribution.Hints `json:"attribution"`
}

// RecordAbandonmentResult reports the persisted record.
type RecordAbandonmentResult struct {
	RecordID    uuid.UUID            `json:"record_id"`
	Attribution attribution.Snapshot `json:"attribution"`
}

// RecordAbandonment appends an abandonment record. The fingerprint is
// required: it is the only key reconciliation has. Multiple records per
// fingerprint are legitimate, so there is no dedup.
func (t *Tracker) RecordAbandonment(ctx context.Context, in RecordAbandonmentInput) (*RecordAbandonmentResult, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, errs.Validationf("", "session id is required")
	}
	fingerprint := strings.TrimSpace(in.Fingerprint)
	if fingerprint == "" {
		return nil, errs.Validationf(sessionID, "fingerprint is required")
	}

	now := t.now().UTC()

	sess, err := ensureSession(ctx, t.store, sessionID, in.Product, in.FunnelType, in.Hints, now)
	if err != nil {
		return nil, err
	}
	resolved, err := mergeAttribution(ctx, t.store, sess, in.Hints, now, t.mergeAttempts)
	if err != nil {
		return nil, err
	}

	rec := &AbandonmentRecord{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Fingerprint: fingerprint,
		Reason:      strings.TrimSpace(in.Reason),
		Step:        strings.TrimSpace(in.Step),
		Attribution: resolved,
		CreatedAt:   now,
	}
	if err := t.store.InsertAbandonment(ctx, rec); err != nil {
		return nil, err
	}

	return &RecordAbandonmentResult{RecordID: rec.ID, Attribution: resolved}, nil
}

// Reconcile retracts every abandonment record for the fingerprint
// younger than the lookback: the device converted, so those signals
// are false. Idempotent; a second call deletes nothing.
func (t *Tracker) Reconcile(ctx context.Context, fingerprint string, now time.Time) (int64, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return 0, errs.Validationf("", "fingerprint is required")
	}
	return t.store.DeleteAbandonmentsSince(ctx, fingerprint, now.Add(-t.lookback))
}
