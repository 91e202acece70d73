// Package api is the console's HTTP client for the monitor API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"secmon/internal/alerting"
	"secmon/internal/metrics"
	"secmon/internal/schema"
)

const requestTimeout = 5 * time.Second

// Client talks to one monitor. Every call is bounded by requestTimeout.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewClient returns a client for baseURL. apiKey may be empty.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: requestTimeout},
	}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	QueueDropped  uint64 `json:"queue_dropped"`
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

type EventsResponse struct {
	Events []schema.SecurityEvent `json:"events"`
	Count  int                    `json:"count"`
}

type AlertsResponse struct {
	Alerts []alerting.SecurityAlert `json:"alerts"`
	Count  int                      `json:"count"`
}

// Error is a non-2xx answer. Code and Message come from the API's error
// body when it has one.
type Error struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "HTTP " + strconv.Itoa(e.Status)
	}
	return "HTTP " + strconv.Itoa(e.Status) + ": " + e.Message
}

func (c *Client) GetHealth() (*HealthResponse, error) {
	return call[HealthResponse](c, http.MethodGet, "/health", nil)
}

func (c *Client) GetDashboard() (*metrics.SecurityDashboard, error) {
	return call[metrics.SecurityDashboard](c, http.MethodGet, "/v1/dashboard", nil)
}

// GetEvents returns up to limit of the newest events.
func (c *Client) GetEvents(limit int) (*EventsResponse, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	return call[EventsResponse](c, http.MethodGet, "/v1/events?"+q.Encode(), nil)
}

// GetActiveAlerts returns open and investigating alerts.
func (c *Client) GetActiveAlerts() (*AlertsResponse, error) {
	return call[AlertsResponse](c, http.MethodGet, "/v1/alerts?active=true", nil)
}

// UpdateAlertStatus moves an alert to status and returns it as stored.
func (c *Client) UpdateAlertStatus(id string, status alerting.AlertStatus) (*alerting.SecurityAlert, error) {
	body := struct {
		Status alerting.AlertStatus `json:"status"`
	}{status}
	return call[alerting.SecurityAlert](c, http.MethodPatch, "/v1/alerts/"+url.PathEscape(id)+"/status", body)
}

// call sends body as JSON, if any, and decodes a 2xx answer into a new T.
func call[T any](c *Client, method, path string, body any) (*T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		return nil, apiErr
	}
	out := new(T)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// FormatUptime renders seconds as "1h 2m 3s", dropping leading zero units.
func FormatUptime(seconds int) string {
	h, rem := seconds/3600, seconds%3600
	m, s := rem/60, rem%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
