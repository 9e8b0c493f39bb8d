package funnel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/funnel-tracker/internal/attribution"
	"github.com/ignite/funnel-tracker/internal/errs"
)

type stubRecorder struct {
	lastInput RecordEventInput
	result    *RecordEventResult
	err       error
}

func (s *stubRecorder) RecordEvent(ctx context.Context, in RecordEventInput) (*RecordEventResult, error) {
	s.lastInput = in
	return s.result, s.err
}

type stubAbandonment struct {
	result  *RecordAbandonmentResult
	err     error
	deleted int64
}

func (s *stubAbandonment) RecordAbandonment(ctx context.Context, in RecordAbandonmentInput) (*RecordAbandonmentResult, error) {
	return s.result, s.err
}

func (s *stubAbandonment) Reconcile(ctx context.Context, fingerprint string, now time.Time) (int64, error) {
	return s.deleted, s.err
}

type stubCooldown struct {
	removed int64
	evicted int64
	err     error
}

func (s *stubCooldown) RemoveOrigin(ctx context.Context, origin, product string) (int64, error) {
	return s.removed, s.err
}

func (s *stubCooldown) EvictStale(ctx context.Context, now time.Time) (int64, error) {
	return s.evicted, s.err
}

type stubMetrics struct {
	summaries []*ProductSummary
	err       error
}

func (s *stubMetrics) ProductSummaries(ctx context.Context, since time.Time) ([]*ProductSummary, error) {
	return s.summaries, s.err
}

func newTestHandler(rec *stubRecorder, ab *stubAbandonment, cd *stubCooldown, m *stubMetrics) http.Handler {
	if rec == nil {
		rec = &stubRecorder{result: &RecordEventResult{EventID: uuid.New()}}
	}
	if ab == nil {
		ab = &stubAbandonment{result: &RecordAbandonmentResult{RecordID: uuid.New()}}
	}
	if cd == nil {
		cd = &stubCooldown{}
	}
	if m == nil {
		m = &stubMetrics{}
	}
	return NewHandler(rec, ab, cd, m, nil).Routes()
}

func TestHandleTrackEvent(t *testing.T) {
	rec := &stubRecorder{result: &RecordEventResult{
		EventID:      uuid.New(),
		Attribution:  attribution.Snapshot{Source: "instagram", TrafficID: "t1"},
		VisitCounted: true,
	}}
	h := newTestHandler(rec, nil, nil, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"session_id": "sess-1",
		"kind":       "visit",
		"attribution": map[string]string{
			"source":     "instagram",
			"traffic_id": "t1",
		},
	})
	req := httptest.NewRequest("POST", "/api/track/event", bytes.NewReader(body))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "quiz-client/1.0")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if rec.lastInput.Origin.IPAddress != "203.0.113.7" {
		t.Errorf("origin ip = %q, want first X-Forwarded-For hop", rec.lastInput.Origin.IPAddress)
	}
	if rec.lastInput.Origin.UserAgent != "quiz-client/1.0" {
		t.Errorf("origin ua = %q", rec.lastInput.Origin.UserAgent)
	}

	var resp RecordEventResult
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if !resp.VisitCounted {
		t.Error("response lost visit_counted")
	}
}

func TestHandleTrackEventBadJSON(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	req := httptest.NewRequest("POST", "/api/track/event", bytes.NewReader([]byte("{nope)")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"validation", errs.Validationf("sess-1", "unrecognized event kind %q", "bogus_event"), http.StatusBadRequest, "validation"},
		{"conflict", &errs.ConflictError{SessionID: "sess-1", Attempts: 3}, http.StatusConflict, "conflict"},
		{"store", errs.Store("event insert", "sess-1", context.DeadlineExceeded), http.StatusBadGateway, "store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&stubRecorder{err: tt.err}, nil, nil, nil)

			req := httptest.NewRequest("POST", "/api/track/event", bytes.NewReader([]byte(`{"session_id":"sess-1","kind":"visit"}`)))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp struct {
				Error map[string]string `json:"error"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("bad error body: %v", err)
			}
			if resp.Error["kind"] != tt.wantKind {
				t.Errorf("kind = %q, want %q", resp.Error["kind"], tt.wantKind)
			}
		})
	}
}

func TestHandleTrackAbandonment(t *testing.T) {
	h := newTestHandler(nil, &stubAbandonment{result: &RecordAbandonmentResult{RecordID: uuid.New()}}, nil, nil)

	body := []byte(`{"session_id":"sess-1","fingerprint":"fp-1","reason":"tab_close","step":"quiz_3"}`)
	req := httptest.NewRequest("POST", "/api/track/abandonment", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestHandleReconcile(t *testing.T) {
	h := newTestHandler(nil, &stubAbandonment{deleted: 4}, nil, nil)

	req := httptest.NewRequest("POST", "/api/admin/reconcile", bytes.NewReader([]byte(`{"fingerprint":"fp-1"}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]int64
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["deleted"] != 4 {
		t.Errorf("deleted = %d, want 4", resp["deleted"])
	}
}

func TestHandleRemoveCooldown(t *testing.T) {
	h := newTestHandler(nil, nil, &stubCooldown{removed: 1}, nil)

	req := httptest.NewRequest("DELETE", "/api/admin/cooldown?origin=203.0.113.7&product=tbz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]int64
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["removed"] != 1 {
		t.Errorf("removed = %d, want 1", resp["removed"])
	}
}

func TestHandleRemoveCooldownValidation(t *testing.T) {
	h := newTestHandler(nil, nil, &stubCooldown{err: errs.Validationf("", "origin and product are required")}, nil)

	req := httptest.NewRequest("DELETE", "/api/admin/cooldown?origin=&product=", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleEvictCooldowns(t *testing.T) {
	h := newTestHandler(nil, nil, &stubCooldown{evicted: 250}, nil)

	req := httptest.NewRequest("POST", "/api/admin/cooldown/evict", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]int64
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["evicted"] != 250 {
		t.Errorf("evicted = %d, want 250", resp["evicted"])
	}
}

func TestHandleMetricsSummary(t *testing.T) {
	h := newTestHandler(nil, nil, nil, &stubMetrics{summaries: []*ProductSummary{
		{Product: "tbz", Visits: 10, Leads: 2, Abandonments: 1},
	}})

	req := httptest.NewRequest("GET", "/api/metrics/summary?days=7", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Products   []*ProductSummary `json:"products"`
		WindowDays int               `json:"window_days"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.WindowDays != 7 || len(resp.Products) != 1 {
		t.Errorf("unexpected summary response: %+v", resp)
	}
}

func TestHandleMetricsSummaryBadDays(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	req := httptest.NewRequest("GET", "/api/metrics/summary?days=-3", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
