package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"secmon/internal/alerting"
	"secmon/internal/correlation"
	"secmon/internal/schema"
	"secmon/internal/store"
)

// maxListLimit caps list endpoints.
const maxListLimit = 1000

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		Type:     schema.EventType(q.Get("type")),
		Severity: schema.Severity(q.Get("severity")),
		Source:   q.Get("source"),
		Limit:    100,
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "invalid_filter", "unknown event type")
		return
	}
	if filter.Severity != "" && !filter.Severity.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "invalid_filter", "unknown severity")
		return
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_filter", "since must be RFC 3339")
			return
		}
		filter.Since = since
	}
	limit, ok := parseLimit(w, q.Get("limit"), filter.Limit)
	if !ok {
		return
	}
	filter.Limit = limit

	events := a.svc.GetSecurityEvents(filter)
	if events == nil {
		events = []*schema.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (a *API) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	var obs schema.Observation
	if !decodeBody(w, r, &obs) {
		return
	}
	ev, err := a.svc.ProcessEvent(r.Context(), &obs)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	ev, err := a.svc.GetEvent(id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter alerting.AlertFilter
	if s := q.Get("status"); s != "" {
		status := alerting.AlertStatus(s)
		if !status.IsValid() {
			writeJSONError(w, http.StatusBadRequest, "invalid_filter", "unknown alert status")
			return
		}
		filter.Status = &status
	}
	if s := q.Get("severity"); s != "" {
		sev := schema.Severity(s)
		if !sev.IsValid() {
			writeJSONError(w, http.StatusBadRequest, "invalid_filter", "unknown severity")
			return
		}
		filter.Severity = &sev
	}
	if s := q.Get("active"); s != "" {
		active, err := strconv.ParseBool(s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_filter", "active must be a boolean")
			return
		}
		filter.ActiveOnly = active
	}
	filter.RuleID = q.Get("rule_id")
	limit, ok := parseLimit(w, q.Get("limit"), 0)
	if !ok {
		return
	}
	filter.Limit = limit

	alerts := a.svc.ListAlerts(filter)
	if alerts == nil {
		alerts = []*alerting.SecurityAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	alert, err := a.svc.GetAlert(id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// StatusRequest changes an alert or investigation status.
type StatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleUpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	alert, err := a.svc.UpdateAlertStatus(r.Context(), id, alerting.AlertStatus(req.Status))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// InvestigateRequest names the events to correlate.
type InvestigateRequest struct {
	EventIDs []uuid.UUID `json:"event_ids"`
}

func (a *API) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	var req InvestigateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.EventIDs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "event_ids is required")
		return
	}
	result, err := a.svc.Investigate(r.Context(), req.EventIDs)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleListInvestigations(w http.ResponseWriter, r *http.Request) {
	results := a.svc.ListInvestigations()
	if results == nil {
		results = []*correlation.InvestigationResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigations": results, "count": len(results)})
}

func (a *API) handleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	result, err := a.svc.GetInvestigation(id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleUpdateInvestigationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.svc.UpdateInvestigationStatus(r.Context(), id, correlation.InvestigationStatus(req.Status))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.GetMetrics())
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.GetDashboard())
}

func parseLimit(w http.ResponseWriter, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeJSONError(w, http.StatusBadRequest, "invalid_filter", "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
