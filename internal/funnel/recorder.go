package funnel

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/funnel-tracker/internal/attribution"
	"github.com/ignite/funnel-tracker/internal/errs"
)

var errSessionVanished = errSentinel("session row not observable after write")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

// DefaultMergeAttempts bounds the optimistic-concurrency retry on the
// session attribution merge before a ConflictError is surfaced.
const DefaultMergeAttempts = 3

// VisitLedger is the cooldown decision the recorder consults for visit
// events.
type VisitLedger interface {
	ShouldCountVisit(ctx context.Context, origin, product string, now time.Time) (bool, error)
}

// ReconcileEnqueuer queues device fingerprints of completed conversions
// for abandonment reconciliation.
type ReconcileEnqueuer interface {
	Enqueue(ctx context.Context, fingerprint string) error
}

// Recorder validates and persists funnel events, consulting the
// attribution resolver and the cooldown ledger on the request path.
// Each request is independent; all coordination is pushed into the
// store's conditional writes.
type Recorder struct {
	store         *Store
	ledger        VisitLedger
	reconcile     ReconcileEnqueuer
	mergeAttempts int
	now           func() time.Time
}

// NewRecorder creates a recorder. reconcile may be nil when no
// reconciliation queue is wired (conversions then rely on the operator
// endpoint).
func NewRecorder(store *Store, ledger VisitLedger, reconcile ReconcileEnqueuer) *Recorder {
	return &Recorder{
		store:         store,
		ledger:        ledger,
		reconcile:     reconcile,
		mergeAttempts: DefaultMergeAttempts,
		now:           time.Now,
	}
}

// SetMergeAttempts overrides the merge retry bound.
func (r *Recorder) SetMergeAttempts(n int) {
	if n > 0 {
		r.mergeAttempts = n
	}
}

// RecordEventInput carries one ingested event.
type RecordEventInput struct {
	SessionID  string            `json:"session_id"`
	Kind       EventKind         `json:"kind"`
	Product    string            `json:"product"`
	FunnelType string            `json:"funnel_type"`
	Hints      attribution.Hints `json:"attribution"`
	Payload    json.RawMessage   `json:"payload"`
	Origin     OriginContext     `json:"-"`
}

// RecordEventResult reports the persisted event and the attribution
// that held after the merge.
type RecordEventResult struct {
	EventID      uuid.UUID            `json:"event_id"`
	Attribution  attribution.Snapshot `json:"attribution"`
	VisitCounted bool                 `json:"visit_counted"`
}

// eventPayload is the subset of the opaque payload the recorder
// understands. Everything else passes through untouched.
type eventPayload struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	CheckoutIntent bool   `json:"checkout_intent"`
	Fingerprint    string `json:"fingerprint"`
}

// RecordEvent validates the input, ensures the session, merges
// attribution, applies visit/lead side effects, and appends the event
// row. It never partially applies a lead_submit: the lead upsert and
// the event insert share a transaction.
func (r *Recorder) RecordEvent(ctx context.Context, in RecordEventInput) (*RecordEventResult, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, errs.Validationf("", "session id is required")
	}
	if !in.Kind.Valid() {
		return nil, errs.Validationf(sessionID, "unrecognized event kind %q", in.Kind)
	}

	now := r.now().UTC()

	sess, err := ensureSession(ctx, r.store, sessionID, in.Product, in.FunnelType, in.Hints, now)
	if err != nil {
		return nil, err
	}

	resolved, err := mergeAttribution(ctx, r.store, sess, in.Hints, now, r.mergeAttempts)
	if err != nil {
		return nil, err
	}

	// A suppressed visit is still durably recorded for audit; it just
	// must not count in metrics or trigger new-visit side effects.
	counted := true
	if in.Kind == KindVisit {
		if in.Origin.IPAddress != "" {
			counted, err = r.ledger.ShouldCountVisit(ctx, in.Origin.IPAddress, sess.Product, now)
			if err != nil {
				return nil, err
			}
		}
	}

	ev := &Event{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Kind:        in.Kind,
		Payload:     in.Payload,
		Attribution: resolved,
		IPAddress:   in.Origin.IPAddress,
		UserAgent:   in.Origin.UserAgent,
		Counted:     counted,
		CreatedAt:   now,
	}

	var payload eventPayload
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, &payload); err != nil && in.Kind == KindLeadSubmit {
			return nil, errs.Validationf(sessionID, "lead_submit payload is not valid JSON: %v", err)
		}
	}

	if in.Kind == KindLeadSubmit {
		lead, err := r.buildLead(sessionID, sess, resolved, payload, now)
		if err != nil {
			return nil, err
		}
		if err := r.store.UpsertLeadWithEvent(ctx, lead, ev); err != nil {
			return nil, err
		}
	} else {
		if err := r.store.InsertEvent(ctx, ev); err != nil {
			return nil, err
		}
	}

	if in.Kind.IsConversion() && payload.Fingerprint != "" && r.reconcile != nil {
		// Best-effort: a queue outage must not fail the ingest; the
		// operator endpoint covers reconciliation in that case.
		if err := r.reconcile.Enqueue(ctx, payload.Fingerprint); err != nil {
			log.Printf("[Recorder] reconcile enqueue failed for %s: %v", payload.Fingerprint, err)
		}
	}

	return &RecordEventResult{
		EventID:      ev.ID,
		Attribution:  resolved,
		VisitCounted: counted,
	}, nil
}

func (r *Recorder) buildLead(sessionID string, sess *Session, snap attribution.Snapshot, p eventPayload, now time.Time) (*Lead, error) {
	name := strings.TrimSpace(p.Name)
	email := strings.TrimSpace(p.Email)
	phone := strings.TrimSpace(p.Phone)
	if name == "" && email == "" && phone == "" {
		return nil, errs.Validationf(sessionID, "lead_submit requires at least one contact field")
	}

	key := LeadNaturalKey(snap.TrafficID, email)
	if key == "" && phone != "" {
		key = "p:" + phone
	}
	if key == "" {
		key = "s:" + sessionID
	}

	return &Lead{
		ID:             uuid.New(),
		NaturalKey:     key,
		Name:           name,
		Email:          email,
		Phone:          phone,
		Product:        sess.Product,
		Attribution:    snap,
		Valid:          email != "" || phone != "",
		CheckoutIntent: p.CheckoutIntent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
