package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/models"
	"github.com/punchamoorthee/payflow/internal/service"
	"github.com/punchamoorthee/payflow/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payflow_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// PresenceTracker records live beneficiary channels, one entry per connection.
type PresenceTracker interface {
	Touch(ctx context.Context, payoutRef, connID string) error
	Clear(ctx context.Context, payoutRef, connID string) error
	TTL() time.Duration
}

// Subscriber opens a stream of one payout's events.
type Subscriber interface {
	Subscribe(ctx context.Context, payoutRef string) *redis.PubSub
}

type Handler struct {
	store    *store.Store
	core     *service.Core
	policy   config.Policy
	log      *zap.Logger
	presence PresenceTracker
	events   Subscriber
	clock    func() time.Time
}

func NewHandler(s *store.Store, core *service.Core, policy config.Policy, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: s, core: core, policy: policy, log: log, clock: time.Now}
}

// WithRealtime enables the beneficiary websocket.
func (h *Handler) WithRealtime(p PresenceTracker, sub Subscriber) *Handler {
	h.presence, h.events = p, sub
	return h
}

// Router builds the HTTP surface.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")
	r.HandleFunc("/ws/payouts/{ref}", h.PayoutStreamHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/payouts", h.CreatePayoutHandler).Methods("POST")
	v1.HandleFunc("/payouts/{ref}", h.GetPayoutHandler).Methods("GET")
	v1.HandleFunc("/payins", h.CreatePayinHandler).Methods("POST")
	v1.HandleFunc("/batches/{id}/evidence", h.RecordEvidenceHandler).Methods("POST")
	v1.HandleFunc("/batches/{id}/admin-confirm", h.AdminConfirmHandler).Methods("POST")
	v1.HandleFunc("/batches/{id}/confirm", h.ConfirmHandler).Methods("POST")
	v1.HandleFunc("/batches/{id}/expire", h.ExpireHandler).Methods("POST")
	v1.HandleFunc("/evidence", h.SubmitEvidenceHandler).Methods("POST")
	v1.HandleFunc("/claims/tokens", h.IssueTokenHandler).Methods("POST")
	v1.HandleFunc("/claims/verify", h.VerifyTokenHandler).Methods("POST")
	v1.HandleFunc("/claims", h.ClaimHandler).Methods("POST")
	v1.HandleFunc("/sweeps", h.SweepHandler).Methods("POST")
	v1.HandleFunc("/audit", h.AuditHandler).Methods("GET")

	// wrapped outside the router so preflight requests never reach route matching
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	})(r)
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, domain.ErrNoMatch):
		return http.StatusNotFound, "No matching payout"
	case errors.Is(err, domain.ErrTokenExpired):
		return http.StatusGone, "Claim token expired"
	case errors.Is(err, domain.ErrTokenInvalid):
		return http.StatusUnauthorized, "Claim token invalid"
	case errors.Is(err, domain.ErrIdempotencyInFlight):
		return http.StatusConflict, "Request processing in progress"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "Key reuse with mismatched payload"
	case errors.Is(err, domain.ErrDuplicateReference):
		return http.StatusConflict, "Reference already exists"
	case errors.Is(err, domain.ErrSweepInProgress):
		return http.StatusConflict, "Sweep already running"
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict, "Concurrent modification, retry"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrMaxSplitsReached),
		errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, method, endpoint string, err error) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	h.respond(w, method, endpoint, code, map[string]string{"error": msg})
}

func (h *Handler) respond(w http.ResponseWriter, method, endpoint string, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, method, endpoint string, code int, message string) {
	h.respond(w, method, endpoint, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// decode reads and validates a JSON body; it writes the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, method, endpoint string, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, method, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	if err := models.Validate(dst); err != nil {
		h.respondError(w, method, endpoint, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

func (h *Handler) amount(w http.ResponseWriter, method, endpoint, raw string) (int64, bool) {
	v, err := models.ParseMinor(raw)
	if err != nil || v <= 0 {
		h.respondError(w, method, endpoint, http.StatusUnprocessableEntity, "Positive amount with at most 2 decimals required")
		return 0, false
	}
	return v, true
}

func (h *Handler) batchID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, method, endpoint, http.StatusBadRequest, "Invalid batch id")
		return 0, false
	}
	return id, true
}
