package funnel

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/ignite/funnel-tracker/internal/errs"
)

// EventRecorder ingests one funnel event.
type EventRecorder interface {
	RecordEvent(ctx context.Context, in RecordEventInput) (*RecordEventResult, error)
}

// AbandonmentService records funnel exits and reconciles them.
type AbandonmentService interface {
	RecordAbandonment(ctx context.Context, in RecordAbandonmentInput) (*RecordAbandonmentResult, error)
	Reconcile(ctx context.Context, fingerprint string, now time.Time) (int64, error)
}

// CooldownAdmin exposes the operator surface of the cooldown ledger.
type CooldownAdmin interface {
	RemoveOrigin(ctx context.Context, origin, product string) (int64, error)
	EvictStale(ctx context.Context, now time.Time) (int64, error)
}

// MetricsReader serves the dashboard's aggregated read API.
type MetricsReader interface {
	ProductSummaries(ctx context.Context, since time.Time) ([]*ProductSummary, error)
}

// Handler wires the tracking HTTP API.
type Handler struct {
	recorder    EventRecorder
	abandonment AbandonmentService
	cooldown    CooldownAdmin
	metrics     MetricsReader
	corsOrigins []string
}

// NewHandler creates the API handler. corsOrigins lists the browser
// origins allowed to post tracking calls; empty allows any origin
// (anonymous public funnel pages).
func NewHandler(recorder EventRecorder, abandonment AbandonmentService, cooldown CooldownAdmin, metrics MetricsReader, corsOrigins []string) *Handler {
	return &Handler{
		recorder:    recorder,
		abandonment: abandonment,
		cooldown:    cooldown,
		metrics:     metrics,
		corsOrigins: corsOrigins,
	}
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	allowed := h.corsOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/api/track/event", h.HandleTrackEvent)
	r.Post("/api/track/abandonment", h.HandleTrackAbandonment)
	r.Post("/api/admin/reconcile", h.HandleReconcile)
	r.Delete("/api/admin/cooldown", h.HandleRemoveCooldown)
	r.Post("/api/admin/cooldown/evict", h.HandleEvictCooldowns)
	r.Get("/api/metrics/summary", h.HandleMetricsSummary)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleTrackEvent ingests a funnel event. The origin context comes
// from the connection, not the body: clients do not get to spoof the
// address the cooldown ledger keys on.
func (h *Handler) HandleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var in RecordEventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	in.Origin = OriginContext{IPAddress: realIP(r), UserAgent: r.UserAgent()}

	res, err := h.recorder.RecordEvent(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// HandleTrackAbandonment records a funnel-exit signal.
func (h *Handler) HandleTrackAbandonment(w http.ResponseWriter, r *http.Request) {
	var in RecordAbandonmentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	res, err := h.abandonment.RecordAbandonment(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// HandleReconcile retracts recent abandonment records for a converted
// fingerprint. Operator-triggered.
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	deleted, err := h.abandonment.Reconcile(r.Context(), body.Fingerprint, time.Now().UTC())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// HandleRemoveCooldown lifts the cooldown for an (origin, product)
// pair. Operator-triggered.
func (h *Handler) HandleRemoveCooldown(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	product := r.URL.Query().Get("product")

	removed, err := h.cooldown.RemoveOrigin(r.Context(), origin, product)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	log.Printf("[API] cooldown removed origin=%s product=%s rows=%d", origin, product, removed)
	respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// HandleEvictCooldowns runs the stale-identifier sweep on demand.
func (h *Handler) HandleEvictCooldowns(w http.ResponseWriter, r *http.Request) {
	evicted, err := h.cooldown.EvictStale(r.Context(), time.Now().UTC())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"evicted": evicted})
}

// HandleMetricsSummary serves aggregated per-product counts to the
// dashboard. Window defaults to 30 days; override with ?days=N.
func (h *Handler) HandleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "validation", "days must be a positive integer")
			return
		}
		days = n
	}

	summaries, err := h.metrics.ProductSummaries(r.Context(), time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if summaries == nil {
		summaries = []*ProductSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"products": summaries, "window_days": days})
}

// HandleHealth reports liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, map[string]map[string]string{
		"error": {"kind": kind, "message": message},
	})
}

// respondServiceError maps the error taxonomy onto HTTP: validation is
// a 4xx rejection the client must not retry, conflict and store are
// retryable.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsValidation(err):
		respondError(w, http.StatusBadRequest, "validation", err.Error())
	case errs.IsConflict(err):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errs.IsStore(err):
		log.Printf("[API] store error: %v", err)
		respondError(w, http.StatusBadGateway, "store", err.Error())
	default:
		log.Printf("[API] internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// realIP resolves the client address behind the load balancer.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
