package funnel

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/funnel-tracker/internal/attribution"
	"github.com/ignite/funnel-tracker/internal/errs"
)

func setupTracker(t *testing.T) (*Tracker, sqlmock.Sqlmock, func()) {
	t.Helper()
	store, mock, cleanup := setupStore(t)
	return NewTracker(store, DefaultReconcileLookback), mock, cleanup
}

func TestRecordAbandonmentRequiresFingerprint(t *testing.T) {
	tracker, mock, cleanup := setupTracker(t)
	defer cleanup()

	_, err := tracker.RecordAbandonment(context.Background(), RecordAbandonmentInput{
		SessionID: "sess-1",
		Reason:    "tab_close",
	})
	if !errs.IsValidation(err) {
		t.Fatalf("RecordAbandonment() = %v, want ValidationError without fingerprint", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected store access: %v", err)
	}
}

func TestRecordAbandonmentRequiresSession(t *testing.T) {
	tracker, _, cleanup := setupTracker(t)
	defer cleanup()

	_, err := tracker.RecordAbandonment(context.Background(), RecordAbandonmentInput{
		Fingerprint: "fp-1",
	})
	if !errs.IsValidation(err) {
		t.Fatalf("RecordAbandonment() = %v, want ValidationError without session id", err)
	}
}

func TestRecordAbandonmentAppends(t *testing.T) {
	tracker, mock, cleanup := setupTracker(t)
	defer cleanup()

	snap := attribution.Snapshot{Source: "instagram", TrafficID: "t1"}
	mock.ExpectQuery(`SELECT id, product, funnel_type`).
		WillReturnRows(existingSessionRows("sess-1", "tbz", snap, time.Now()))
	mock.ExpectExec(`INSERT INTO funnel_abandonments`).WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := tracker.RecordAbandonment(context.Background(), RecordAbandonmentInput{
		SessionID:   "sess-1",
		Fingerprint: "fp-1",
		Reason:      "tab_close",
		Step:        "quiz_3",
	})
	if err != nil {
		t.Fatalf("RecordAbandonment() error: %v", err)
	}
	if res.Attribution != snap {
		t.Errorf("attribution = %+v, want %+v", res.Attribution, snap)
	}

	// A second abandonment for the same fingerprint is also appended:
	// repeated near-exits are legitimate.
	mock.ExpectQuery(`SELECT id, product, funnel_type`).
		WillReturnRows(existingSessionRows("sess-1", "tbz", snap, time.Now()))
	mock.ExpectExec(`INSERT INTO funnel_abandonments`).WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := tracker.RecordAbandonment(context.Background(), RecordAbandonmentInput{
		SessionID:   "sess-1",
		Fingerprint: "fp-1",
		Reason:      "idle",
		Step:        "quiz_4",
	}); err != nil {
		t.Fatalf("second RecordAbandonment() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	tracker, mock, cleanup := setupTracker(t)
	defer cleanup()

	now := time.Now().UTC()
	cutoff := now.Add(-DefaultReconcileLookback)

	mock.ExpectExec(`DELETE FROM funnel_abandonments`).
		WithArgs("fp-1", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM funnel_abandonments`).
		WithArgs("fp-1", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := tracker.Reconcile(context.Background(), "fp-1", now)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if deleted != 2 {
		t.Errorf("first reconcile deleted = %d, want 2", deleted)
	}

	deleted, err = tracker.Reconcile(context.Background(), "fp-1", now)
	if err != nil {
		t.Fatalf("second Reconcile() error: %v", err)
	}
	if deleted != 0 {
		t.Errorf("second reconcile deleted = %d, want 0", deleted)
	}
}

func TestReconcileRequiresFingerprint(t *testing.T) {
	tracker, _, cleanup := setupTracker(t)
	defer cleanup()

	if _, err := tracker.Reconcile(context.Background(), "  ", time.Now()); !errs.IsValidation(err) {
		t.Errorf("Reconcile(blank) = %v, want ValidationError", err)
	}
}
