package funnel

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/ignite/funnel-tracker/internal/attribution"
	"github.com/ignite/funnel-tracker/internal/errs"
)

// Store provides database operations for funnel entities. All
// cross-request coordination lives here as conditional or keyed writes;
// nothing above it holds locks across requests.
type Store struct {
	db *sql.DB
}

// NewStore creates a new funnel store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LeadNaturalKey derives the dedup key for a lead: the attribution
// traffic id when present, otherwise the normalized email.
func LeadNaturalKey(trafficID, email string) string {
	if t := strings.TrimSpace(trafficID); t != "" {
		return "t:" + t
	}
	if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
		return "e:" + e
	}
	return ""
}

// GetSession retrieves a session by id. Returns nil without error when
// the session does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product, funnel_type, attr_source, attr_traffic_id, attr_utm_source, attr_utm_medium, created_at, updated_at
		FROM funnel_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.Product, &sess.FunnelType,
		&sess.Attribution.Source, &sess.Attribution.TrafficID,
		&sess.Attribution.UTMSource, &sess.Attribution.UTMMedium,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Store("session get", id, err)
	}
	return sess, nil
}

// CreateSession inserts a session. A concurrent create of the same id
// wins silently (ON CONFLICT DO NOTHING); callers re-read to observe
// the surviving row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funnel_sessions (id, product, funnel_type, attr_source, attr_traffic_id, attr_utm_source, attr_utm_medium, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, sess.ID, sess.Product, sess.FunnelType,
		sess.Attribution.Source, sess.Attribution.TrafficID,
		sess.Attribution.UTMSource, sess.Attribution.UTMMedium,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return errs.Store("session create", sess.ID, err)
	}
	return nil
}

// UpdateSessionAttribution applies a merged snapshot guarded by the
// session's last observed updated_at. Returns false when another writer
// got there first; the caller re-reads and re-resolves.
func (s *Store) UpdateSessionAttribution(ctx context.Context, id string, snap attribution.Snapshot, lastUpdated time.Time, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE funnel_sessions
		SET attr_source = $2, attr_traffic_id = $3, attr_utm_source = $4, attr_utm_medium = $5, updated_at = $6
		WHERE id = $1 AND updated_at = $7
	`, id, snap.Source, snap.TrafficID, snap.UTMSource, snap.UTMMedium, now, lastUpdated)
	if err != nil {
		return false, errs.Store("session attribution update", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// InsertEvent appends an event row. Events are never mutated or
// deleted by this subsystem.
func (s *Store) InsertEvent(ctx context.Context, ev *Event) error {
	if err := s.insertEvent(ctx, s.db, ev); err != nil {
		return errs.Store("event insert", ev.SessionID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertEvent(ctx context.Context, db execer, ev *Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO funnel_events (id, session_id, kind, payload, attr_source, attr_traffic_id, attr_utm_source, attr_utm_medium, ip_address, user_agent, counted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ev.ID, ev.SessionID, ev.Kind, []byte(payload),
		ev.Attribution.Source, ev.Attribution.TrafficID,
		ev.Attribution.UTMSource, ev.Attribution.UTMMedium,
		ev.IPAddress, ev.UserAgent, ev.Counted, ev.CreatedAt)
	return err
}

// UpsertLeadWithEvent writes the lead and its lead_submit event in one
// transaction: a failed lead upsert leaves no event row behind. The
// upsert is keyed by natural key, so a retried submission updates
// contact fields instead of creating a duplicate.
func (s *Store) UpsertLeadWithEvent(ctx context.Context, lead *Lead, ev *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Store("lead tx begin", lead.NaturalKey, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO funnel_leads (id, natural_key, name, email, phone, product, attr_source, attr_traffic_id, attr_utm_source, attr_utm_medium, valid, checkout_intent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (natural_key) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), funnel_leads.name),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), funnel_leads.email),
			phone = COALESCE(NULLIF(EXCLUDED.phone, ''), funnel_leads.phone),
			checkout_intent = funnel_leads.checkout_intent OR EXCLUDED.checkout_intent,
			updated_at = EXCLUDED.updated_at
	`, lead.ID, lead.NaturalKey, lead.Name, lead.Email, lead.Phone, lead.Product,
		lead.Attribution.Source, lead.Attribution.TrafficID,
		lead.Attribution.UTMSource, lead.Attribution.UTMMedium,
		lead.Valid, lead.CheckoutIntent, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		return errs.Store("lead upsert", lead.NaturalKey, err)
	}

	if err := s.insertEvent(ctx, tx, ev); err != nil {
		return errs.Store("lead event insert", lead.NaturalKey, err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Store("lead tx commit", lead.NaturalKey, err)
	}
	return nil
}

// InsertAbandonment appends an abandonment record. No dedup: repeated
// near-exits from one fingerprint are legitimate.
func (s *Store) InsertAbandonment(ctx context.Context, rec *AbandonmentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funnel_abandonments (id, session_id, fingerprint, reason, step, attr_source, attr_traffic_id, attr_utm_source, attr_utm_medium, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.SessionID, rec.Fingerprint, rec.Reason, rec.Step,
		rec.Attribution.Source, rec.Attribution.TrafficID,
		rec.Attribution.UTMSource, rec.Attribution.UTMMedium,
		rec.CreatedAt)
	if err != nil {
		return errs.Store("abandonment insert", rec.Fingerprint, err)
	}
	return nil
}

// DeleteAbandonmentsSince removes every abandonment record for the
// fingerprint created at or after cutoff. All-or-nothing per
// fingerprint; idempotent.
func (s *Store) DeleteAbandonmentsSince(ctx context.Context, fingerprint string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM funnel_abandonments WHERE fingerprint = $1 AND created_at >= $2
	`, fingerprint, cutoff)
	if err != nil {
		return 0, errs.Store("abandonment reconcile", fingerprint, err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// ProductSummaries serves the dashboard read API: counted visits,
// leads, and open abandonments per product since the given time.
// Abandonments are counted from funnel_abandonments, not the event
// log: reconciliation deletes records there, so the metric drops back
// down when a device converts.
func (s *Store) ProductSummaries(ctx context.Context, since time.Time) ([]*ProductSummary, error) {
	byProduct := map[string]*ProductSummary{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sess.product,
			COUNT(*) FILTER (WHERE ev.kind = 'visit' AND ev.counted),
			COUNT(*) FILTER (WHERE ev.kind = 'lead_submit')
		FROM funnel_events ev
		JOIN funnel_sessions sess ON sess.id = ev.session_id
		WHERE ev.created_at >= $1
		GROUP BY sess.product
	`, since)
	if err != nil {
		return nil, errs.Store("metrics summary", "all", err)
	}
	defer rows.Close()

	for rows.Next() {
		ps := &ProductSummary{}
		if err := rows.Scan(&ps.Product, &ps.Visits, &ps.Leads); err != nil {
			return nil, errs.Store("metrics summary scan", "all", err)
		}
		byProduct[ps.Product] = ps
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("metrics summary", "all", err)
	}

	abRows, err := s.db.QueryContext(ctx, `
		SELECT sess.product, COUNT(*)
		FROM funnel_abandonments ab
		JOIN funnel_sessions sess ON sess.id = ab.session_id
		WHERE ab.created_at >= $1
		GROUP BY sess.product
	`, since)
	if err != nil {
		return nil, errs.Store("metrics abandonments", "all", err)
	}
	defer abRows.Close()

	for abRows.Next() {
		var product string
		var open int64
		if err := abRows.Scan(&product, &open); err != nil {
			return nil, errs.Store("metrics abandonments scan", "all", err)
		}
		ps, ok := byProduct[product]
		if !ok {
			ps = &ProductSummary{Product: product}
			byProduct[product] = ps
		}
		ps.Abandonments = open
	}
	if err := abRows.Err(); err != nil {
		return nil, errs.Store("metrics abandonments", "all", err)
	}

	products := make([]string, 0, len(byProduct))
	for p := range byProduct {
		products = append(products, p)
	}
	sort.Strings(products)

	out := make([]*ProductSummary, 0, len(products))
	for _, p := range products {
		out = append(out, byProduct[p])
	}
	return out, nil
}
