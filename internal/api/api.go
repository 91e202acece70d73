// Package api serves the query and command surface of the security monitor
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"secmon/internal/alerting"
	"secmon/internal/config"
	"secmon/internal/correlation"
	"secmon/internal/detection/rules"
	"secmon/internal/detection/threat"
	secerrors "secmon/internal/errors"
	"secmon/internal/ingest"
	"secmon/internal/metrics"
	"secmon/internal/middleware"
	"secmon/internal/schema"
	"secmon/internal/store"
)

// maxBodySize bounds command request bodies.
const maxBodySize = 1 << 20

// Service is the monitor surface the API exposes.
type Service interface {
	ProcessEvent(ctx context.Context, obs *schema.Observation) (*schema.SecurityEvent, error)
	GetSecurityEvents(filter store.Filter) []*schema.SecurityEvent
	GetEvent(id uuid.UUID) (*schema.SecurityEvent, error)

	ListAlerts(filter alerting.AlertFilter) []*alerting.SecurityAlert
	GetAlert(id uuid.UUID) (*alerting.SecurityAlert, error)
	UpdateAlertStatus(ctx context.Context, id uuid.UUID, status alerting.AlertStatus) (*alerting.SecurityAlert, error)

	ListAlertRules() []*rules.AlertRule
	GetAlertRule(id string) (*rules.AlertRule, error)
	CreateAlertRule(ctx context.Context, rule *rules.AlertRule) (*rules.AlertRule, error)
	UpdateAlertRule(ctx context.Context, id string, rule *rules.AlertRule) (*rules.AlertRule, error)

	ListThreatIndicators() []*threat.ThreatIndicator
	AddThreatIndicator(ctx context.Context, ind *threat.ThreatIndicator) (*threat.ThreatIndicator, error)
	RemoveThreatIndicator(ctx context.Context, id string) error

	Investigate(ctx context.Context, ids []uuid.UUID) (*correlation.InvestigationResult, error)
	GetInvestigation(id uuid.UUID) (*correlation.InvestigationResult, error)
	ListInvestigations() []*correlation.InvestigationResult
	UpdateInvestigationStatus(ctx context.Context, id uuid.UUID, status correlation.InvestigationStatus) (*correlation.InvestigationResult, error)

	GetMetrics() *metrics.SecurityMetrics
	GetDashboard() *metrics.SecurityDashboard
}

// APIError is the error body of every failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// API holds the route handlers.
type API struct {
	svc    Service
	logger *slog.Logger
}

// New creates the API over svc.
func New(svc Service, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, logger: logger.With("component", "api")}
}

// RegisterRoutes installs the /v1 routes on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/events", a.handleListEvents)
	mux.HandleFunc("POST /v1/events", a.handleProcessEvent)
	mux.HandleFunc("GET /v1/events/{id}", a.handleGetEvent)

	mux.HandleFunc("GET /v1/alerts", a.handleListAlerts)
	mux.HandleFunc("GET /v1/alerts/{id}", a.handleGetAlert)
	mux.HandleFunc("PATCH /v1/alerts/{id}/status", a.handleUpdateAlertStatus)

	mux.HandleFunc("GET /v1/rules", a.handleListRules)
	mux.HandleFunc("POST /v1/rules", a.handleCreateRule)
	mux.HandleFunc("GET /v1/rules/{id}", a.handleGetRule)
	mux.HandleFunc("PUT /v1/rules/{id}", a.handleUpdateRule)

	mux.HandleFunc("GET /v1/indicators", a.handleListIndicators)
	mux.HandleFunc("POST /v1/indicators", a.handleAddIndicator)
	mux.HandleFunc("DELETE /v1/indicators/{id}", a.handleRemoveIndicator)

	mux.HandleFunc("GET /v1/investigations", a.handleListInvestigations)
	mux.HandleFunc("POST /v1/investigations", a.handleInvestigate)
	mux.HandleFunc("GET /v1/investigations/{id}", a.handleGetInvestigation)
	mux.HandleFunc("PATCH /v1/investigations/{id}/status", a.handleUpdateInvestigationStatus)

	mux.HandleFunc("GET /v1/metrics/summary", a.handleMetrics)
	mux.HandleFunc("GET /v1/dashboard", a.handleDashboard)
}

// NewMux builds the complete route table: the /v1 API, observation intake,
// health and Prometheus metrics. intake and gatherer may be nil.
func NewMux(a *API, intake *ingest.Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	if intake != nil {
		mux.HandleFunc("POST /v1/observations", intake.HandleObservations)
		mux.HandleFunc("GET /health", intake.HealthCheck)
	} else {
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		})
	}
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// WithMiddleware wraps h in the standard middleware chain. The rate limiter
// is returned for its stats and is nil when rate limiting is disabled.
func WithMiddleware(h http.Handler, cfg *config.Config, logger *slog.Logger) (http.Handler, *middleware.RateLimiter) {
	mws := []middleware.Middleware{
		middleware.RequestID,
		middleware.Recovery(logger),
		middleware.RequestLogger(logger),
		middleware.SecurityHeaders(cfg.SecurityHeaders, logger),
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, logger)
		mws = append(mws, limiter.Middleware)
	}
	mws = append(mws, middleware.APIKeyAuth(cfg.Auth, logger))
	return middleware.Chain(h, mws...), limiter
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeServiceError maps the error taxonomy onto a response. Server-side
// failures are logged with their full cause and returned sanitized.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := secerrors.HTTPStatus(err)
	code := "internal_error"
	switch status {
	case http.StatusBadRequest:
		code = "validation_failed"
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusServiceUnavailable:
		code = "unavailable"
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, status, code, secerrors.SafeErrorMessage(err))
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

// pathUUID parses the {id} path value.
func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_id", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
