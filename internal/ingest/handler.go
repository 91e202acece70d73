// Package ingest accepts observations over HTTP and DTLS and hands them to
// the pipeline queue.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"secmon/internal/config"
	"secmon/internal/middleware"
	"secmon/internal/queue"
	"secmon/internal/schema"
)

// Handler handles HTTP observation ingestion.
type Handler struct {
	intake
	maxPayload int
	maxBatch   int
	startTime  time.Time

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewHandler creates a new ingest Handler.
func NewHandler(validator *schema.Validator, q *queue.RingBuffer, cfg config.IngestConfig) *Handler {
	h := &Handler{
		intake:     intake{validator: validator, queue: q},
		maxPayload: cfg.MaxPayloadSize,
		maxBatch:   cfg.MaxBatchSize,
		startTime:  time.Now(),
	}
	if h.maxPayload <= 0 {
		h.maxPayload = 10 * 1024 * 1024
	}
	if h.maxBatch <= 0 {
		h.maxBatch = 1000
	}
	return h
}

// WithRejectSink stores invalid observations in sink.
func (h *Handler) WithRejectSink(sink RejectSink) *Handler {
	h.rejects = sink
	return h
}

// IngestRequest is the request body for observation ingestion. Items stay
// raw so rejected ones can be stored as received.
type IngestRequest struct {
	Observations []json.RawMessage `json:"observations"`
}

// IngestResponse is the response for observation ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// tally counts one request's outcomes.
type tally struct {
	accepted, invalid, full int
	errs                    []string
}

func (t *tally) record(i int, err error) {
	switch {
	case err == nil:
		t.accepted++
		return
	case errors.Is(err, queue.ErrQueueFull):
		t.full++
		t.errs = append(t.errs, fmt.Sprintf("observation[%d]: queue full", i))
	default:
		t.invalid++
		t.errs = append(t.errs, fmt.Sprintf("observation[%d]: %s", i, err))
	}
}

// status is 202 when everything was queued, 207 on partial success, 503
// when nothing was queued because the queue is full and 400 otherwise.
func (t *tally) status() int {
	switch {
	case t.invalid+t.full == 0:
		return http.StatusAccepted
	case t.accepted > 0:
		return http.StatusMultiStatus
	case t.full > 0:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// HandleObservations handles POST /v1/observations. Each item is validated
// and queued on its own; see tally.status for the response code.
func (h *Handler) HandleObservations(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestIDFrom(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var req IngestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, int64(h.maxPayload)))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), requestID)
		return
	}

	switch n := len(req.Observations); {
	case n == 0:
		respondError(w, http.StatusBadRequest, "no observations provided", requestID)
		return
	case n > h.maxBatch:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var t tally
	for i, raw := range req.Observations {
		t.record(i, h.admit(r.Context(), raw, "http", r.RemoteAddr))
	}
	h.accepted.Add(uint64(t.accepted))
	h.rejected.Add(uint64(t.invalid))

	status := t.status()
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, IngestResponse{
		Success:   status == http.StatusAccepted,
		Accepted:  t.accepted,
		Rejected:  t.invalid + t.full,
		Errors:    t.errs,
		RequestID: requestID,
	})
}

// HealthResponse is the /health body. Status is "degraded" once the queue
// is more than 90% full.
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	QueueDropped  uint64 `json:"queue_dropped"`
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	m := h.queue.Metrics()
	resp := HealthResponse{
		Status:        "healthy",
		QueueDepth:    m.Depth,
		QueueCapacity: m.Capacity,
		QueueDropped:  m.Dropped,
		Accepted:      h.accepted.Load(),
		Rejected:      h.rejected.Load(),
		UptimeSeconds: int(time.Since(h.startTime).Seconds()),
	}
	if m.Saturation() > 0.9 {
		resp.Status = "degraded"
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, errorResponse{Error: message, RequestID: requestID})
}
