// Package funnel is the event-ingestion core: it validates and records
// funnel events, merges session attribution, fans out into lead and
// abandonment side effects, and serves the tracking HTTP API.
package funnel

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/funnel-tracker/internal/attribution"
)

// EventKind enumerates the funnel signals a client may report.
type EventKind string

const (
	KindVisit         EventKind = "visit"
	KindPageView      EventKind = "page_view"
	KindButtonClick   EventKind = "button_click"
	KindFormStart     EventKind = "form_start"
	KindQuizStep      EventKind = "quiz_step"
	KindQuizComplete  EventKind = "quiz_complete"
	KindLeadSubmit    EventKind = "lead_submit"
	KindCheckoutStart EventKind = "checkout_start"
	KindPurchase      EventKind = "purchase"
	KindAbandonment   EventKind = "abandonment"
)

var validKinds = map[EventKind]bool{
	KindVisit:         true,
	KindPageView:      true,
	KindButtonClick:   true,
	KindFormStart:     true,
	KindQuizStep:      true,
	KindQuizComplete:  true,
	KindLeadSubmit:    true,
	KindCheckoutStart: true,
	KindPurchase:      true,
	KindAbandonment:   true,
}

// Valid reports whether k is a recognized event kind. Unknown kinds are
// rejected, never coerced to a default.
func (k EventKind) Valid() bool { return validKinds[k] }

// IsConversion reports whether k proves the user did not abandon; such
// events trigger abandonment reconciliation for the device fingerprint.
func (k EventKind) IsConversion() bool {
	return k == KindLeadSubmit || k == KindPurchase
}

// Session is the client-generated tracking context. The id is an
// opaque untrusted token; the only format requirement is non-empty.
// Sessions are never deleted by this subsystem.
type Session struct {
	ID          string               `json:"id"`
	Product     string               `json:"product"`
	FunnelType  string               `json:"funnel_type"`
	Attribution attribution.Snapshot `json:"attribution"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Event is one append-only funnel signal with the attribution snapshot
// that held at write time.
type Event struct {
	ID          uuid.UUID            `json:"id"`
	SessionID   string               `json:"session_id"`
	Kind        EventKind            `json:"kind"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
	Attribution attribution.Snapshot `json:"attribution"`
	IPAddress   string               `json:"ip_address,omitempty"`
	UserAgent   string               `json:"user_agent,omitempty"`
	// Counted is false for suppressed repeat visits: recorded for
	// audit, excluded from metrics.
	Counted   bool      `json:"counted"`
	CreatedAt time.Time `json:"created_at"`
}

// Lead is a captured contact, upserted by natural key so retried
// lead_submit requests collapse to one row.
type Lead struct {
	ID             uuid.UUID            `json:"id"`
	NaturalKey     string               `json:"natural_key"`
	Name           string               `json:"name,omitempty"`
	Email          string               `json:"email,omitempty"`
	Phone          string               `json:"phone,omitempty"`
	Product        string               `json:"product"`
	Attribution    attribution.Snapshot `json:"attribution"`
	Valid          bool                 `json:"valid"`
	CheckoutIntent bool                 `json:"checkout_intent"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// AbandonmentRecord is a funnel-exit signal keyed by device
// fingerprint. Records are only ever appended or reconciled away.
type AbandonmentRecord struct {
	ID          uuid.UUID            `json:"id"`
	SessionID   string               `json:"session_id"`
	Fingerprint string               `json:"fingerprint"`
	Reason      string               `json:"reason"`
	Step        string               `json:"step"`
	Attribution attribution.Snapshot `json:"attribution"`
	CreatedAt   time.Time            `json:"created_at"`
}

// OriginContext carries the network-level request origin used for
// visit deduplication.
type OriginContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ProductSummary aggregates counted activity for the dashboard's read
// API.
type ProductSummary struct {
	Product      string `json:"product"`
	Visits       int64  `json:"visits"`
	Leads        int64  `json:"leads"`
	Abandonments int64  `json:"abandonments"`
}
