package api

import (
	"net/http"

	"secmon/internal/detection/rules"
	"secmon/internal/detection/threat"
)

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	list := a.svc.ListAlertRules()
	if list == nil {
		list = []*rules.AlertRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alertRules": list, "count": len(list)})
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.svc.GetAlertRule(r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.AlertRule
	if !decodeBody(w, r, &rule) {
		return
	}
	created, err := a.svc.CreateAlertRule(r.Context(), &rule)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.AlertRule
	if !decodeBody(w, r, &rule) {
		return
	}
	updated, err := a.svc.UpdateAlertRule(r.Context(), r.PathValue("id"), &rule)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleListIndicators(w http.ResponseWriter, r *http.Request) {
	list := a.svc.ListThreatIndicators()
	if list == nil {
		list = []*threat.ThreatIndicator{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"indicators": list, "count": len(list)})
}

func (a *API) handleAddIndicator(w http.ResponseWriter, r *http.Request) {
	var ind threat.ThreatIndicator
	if !decodeBody(w, r, &ind) {
		return
	}
	added, err := a.svc.AddThreatIndicator(r.Context(), &ind)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (a *API) handleRemoveIndicator(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.RemoveThreatIndicator(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
