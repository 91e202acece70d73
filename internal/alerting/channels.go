package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"secmon/internal/schema"
)

// DefaultPagerDutyURL is the PagerDuty Events API v2 endpoint.
const DefaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

const targetTimeout = 10 * time.Second

// httpTarget posts JSON bodies to one endpoint. accept decides which status
// codes count as delivered.
type httpTarget struct {
	name    string
	url     string
	headers map[string]string
	accept  func(code int) bool
	client  *http.Client
}

func newHTTPTarget(name, url string, headers map[string]string, accept func(int) bool) httpTarget {
	return httpTarget{
		name:    name,
		url:     url,
		headers: headers,
		accept:  accept,
		client:  &http.Client{Timeout: targetTimeout},
	}
}

func is2xx(code int) bool { return code >= 200 && code < 300 }

func (t httpTarget) Name() string { return t.name }

func (t httpTarget) send(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", t.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", t.name, err)
	}
	defer resp.Body.Close()

	if !t.accept(resp.StatusCode) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", t.name, resp.StatusCode, snippet)
	}
	return nil
}

// WebhookChannel posts the alert itself as JSON. Any 2xx is a delivery.
type WebhookChannel struct{ httpTarget }

// NewWebhookChannel returns a webhook target. headers are sent on every
// request, typically for authentication.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{newHTTPTarget(name, url, headers, is2xx)}
}

func (w *WebhookChannel) Dispatch(ctx context.Context, alert *SecurityAlert) error {
	return w.send(ctx, alert)
}

// SlackChannel posts one attachment per alert to an incoming webhook.
type SlackChannel struct {
	httpTarget
	channel  string
	username string
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	TS     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var slackColors = map[schema.Severity]string{
	schema.SeverityCritical: "#FF0000",
	schema.SeverityHigh:     "#FFA500",
	schema.SeverityMedium:   "#FFFF00",
	schema.SeverityLow:      "#00FF00",
}

// NewSlackChannel returns a Slack target. Slack answers 200 on success.
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	ok := func(code int) bool { return code == http.StatusOK }
	return &SlackChannel{
		httpTarget: newHTTPTarget("slack", webhookURL, nil, ok),
		channel:    channel,
		username:   username,
	}
}

func (s *SlackChannel) Dispatch(ctx context.Context, alert *SecurityAlert) error {
	color, ok := slackColors[alert.Severity]
	if !ok {
		color = "#808080"
	}
	return s.send(ctx, slackMessage{
		Channel:  s.channel,
		Username: s.username,
		Attachments: []slackAttachment{{
			Color:  color,
			Title:  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
			Text:   alert.Description,
			Fields: slackFields(alert),
			Footer: fmt.Sprintf("Alert ID: %s | Rule: %s", alert.ID.String()[:8], alert.RuleID),
			TS:     alert.Timestamp.Unix(),
		}},
	})
}

func slackFields(alert *SecurityAlert) []slackField {
	fields := []slackField{
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Events", Value: strconv.Itoa(len(alert.Events)), Short: true},
	}
	if len(alert.Events) > 0 {
		fields = append(fields, slackField{Title: "Source", Value: alert.Events[0].Source, Short: true})
	}
	if len(alert.Recommendations) > 0 {
		fields = append(fields, slackField{Title: "Next steps", Value: strings.Join(alert.Recommendations, "\n")})
	}
	return fields
}

// PagerDutyChannel triggers incidents through the Events API v2, keyed by
// alert ID so repeated deliveries collapse into one incident.
type PagerDutyChannel struct {
	httpTarget
	routingKey string
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details"`
}

// pagerDutySeverities maps onto the four levels PagerDuty accepts.
var pagerDutySeverities = map[schema.Severity]string{
	schema.SeverityCritical: "critical",
	schema.SeverityHigh:     "error",
	schema.SeverityMedium:   "warning",
}

// NewPagerDutyChannel returns a PagerDuty target. An empty url uses
// DefaultPagerDutyURL.
func NewPagerDutyChannel(routingKey, url string) *PagerDutyChannel {
	if url == "" {
		url = DefaultPagerDutyURL
	}
	ok := func(code int) bool { return code == http.StatusAccepted }
	return &PagerDutyChannel{
		httpTarget: newHTTPTarget("pagerduty", url, nil, ok),
		routingKey: routingKey,
	}
}

func (p *PagerDutyChannel) Dispatch(ctx context.Context, alert *SecurityAlert) error {
	source := "secmon"
	if len(alert.Events) > 0 {
		source = alert.Events[0].Source
	}
	sev, ok := pagerDutySeverities[alert.Severity]
	if !ok {
		sev = "info"
	}

	return p.send(ctx, pagerDutyEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    alert.ID.String(),
		Payload: pagerDutyPayload{
			Summary:   alert.Title,
			Source:    source,
			Severity:  sev,
			Timestamp: alert.Timestamp.Format(time.RFC3339),
			CustomDetails: map[string]any{
				"description":     alert.Description,
				"rule_id":         alert.RuleID,
				"event_ids":       alert.EventIDs(),
				"recommendations": alert.Recommendations,
			},
		},
	})
}
