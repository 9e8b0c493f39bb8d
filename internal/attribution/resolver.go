package attribution

import "strings"

// Strength classifies how much we trust a set of attribution fields.
// A stored snapshot is only ever replaced by a strictly stronger one,
// so a page reload carrying no query parameters can never downgrade a
// paid/social session to "direct".
type Strength int

const (
	StrengthWeak Strength = iota
	StrengthMedium
	StrengthStrong
)

func (s Strength) String() string {
	switch s {
	case StrengthStrong:
		return "strong"
	case StrengthMedium:
		return "medium"
	default:
		return "weak"
	}
}

// Snapshot is the attribution persisted on a session and stamped onto
// every event at write time.
type Snapshot struct {
	Source    string `json:"source,omitempty"`
	TrafficID string `json:"traffic_id,omitempty"`
	UTMSource string `json:"utm_source,omitempty"`
	UTMMedium string `json:"utm_medium,omitempty"`
}

// Hints are the raw attribution fields a client sends with a request.
// Zero or more may be present; blank strings count as absent.
type Hints struct {
	Source    string `json:"source,omitempty"`
	TrafficID string `json:"traffic_id,omitempty"`
	UTMSource string `json:"utm_source,omitempty"`
	UTMMedium string `json:"utm_medium,omitempty"`
}

// Snapshot converts hints into a snapshot, trimming whitespace.
func (h Hints) Snapshot() Snapshot {
	return Snapshot{
		Source:    strings.TrimSpace(h.Source),
		TrafficID: strings.TrimSpace(h.TrafficID),
		UTMSource: strings.TrimSpace(h.UTMSource),
		UTMMedium: strings.TrimSpace(h.UTMMedium),
	}
}

// Strength returns the trust level of a snapshot:
// explicit source label + traffic id is strong, a complete utm
// source/medium pair is medium, anything else is weak.
func (s Snapshot) Strength() Strength {
	if s.Source != "" && s.TrafficID != "" {
		return StrengthStrong
	}
	if s.UTMSource != "" && s.UTMMedium != "" {
		return StrengthMedium
	}
	return StrengthWeak
}

// Equal reports whether two snapshots carry identical fields.
func (s Snapshot) Equal(o Snapshot) bool {
	return s == o
}

// Resolve merges incoming hints into an existing snapshot. It is a
// total function: malformed or absent hints degrade to weak and the
// existing snapshot survives. Ties keep the existing snapshot, so under
// the store's conditional update two racing strong writes resolve
// first-write-wins.
func Resolve(existing *Snapshot, incoming Hints) Snapshot {
	candidate := incoming.Snapshot()
	if existing == nil {
		return candidate
	}
	if candidate.Strength() > existing.Strength() {
		return candidate
	}
	return *existing
}
