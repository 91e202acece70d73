package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secmon/internal/schema"
)

func TestMultiDispatcher_RunsAllAndJoinsErrors(t *testing.T) {
	var calls int
	ok := DispatcherFunc(func(ctx context.Context, a *SecurityAlert) error { calls++; return nil })
	failing := DispatcherFunc(func(ctx context.Context, a *SecurityAlert) error { calls++; return errors.New("boom") })

	m := NewMultiDispatcher(failing, ok, NewLogDispatcher(nil))
	err := m.Dispatch(context.Background(), newTestAlert(schema.SeverityCritical, time.Now()))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 3, m.Len())
}

func TestWebhookChannel_Dispatch(t *testing.T) {
	var got SecurityAlert
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("soar", srv.URL, map[string]string{"Authorization": "Bearer t"})
	alert := newTestAlert(schema.SeverityCritical, time.Now())

	require.NoError(t, ch.Dispatch(context.Background(), alert))
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, "Bearer t", auth)
	assert.Equal(t, "soar", ch.Name())
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookChannel("hook", srv.URL, nil).Dispatch(context.Background(), newTestAlert(schema.SeverityHigh, time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSlackChannel_Payload(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := newTestAlert(schema.SeverityCritical, time.Now())
	alert.Recommendations = []string{"Isolate host"}
	require.NoError(t, NewSlackChannel(srv.URL, "#soc", "secmon").Dispatch(context.Background(), alert))

	attachments := payload["attachments"].([]interface{})
	first := attachments[0].(map[string]interface{})
	assert.Equal(t, "#FF0000", first["color"])
	assert.Equal(t, "[CRITICAL] Malware Detected", first["title"])
}

func TestPagerDutyChannel_Dispatch(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	alert := newTestAlert(schema.SeverityHigh, time.Now())
	require.NoError(t, NewPagerDutyChannel("rk", srv.URL).Dispatch(context.Background(), alert))

	assert.Equal(t, "rk", payload["routing_key"])
	assert.Equal(t, alert.ID.String(), payload["dedup_key"])
	inner := payload["payload"].(map[string]interface{})
	assert.Equal(t, "error", inner["severity"])
	assert.Equal(t, "endpoint-42", inner["source"])
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
}

func (f *fakePublisher) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subj)
	f.data = append(f.data, data)
	return nil
}

func (f *fakePublisher) FlushTimeout(time.Duration) error { return nil }

func TestNATSDispatcher_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	d := &NATSDispatcher{conn: pub, subject: "secmon.incidents", timeout: time.Second, logger: slog.Default()}

	alert := newTestAlert(schema.SeverityCritical, time.Now())
	require.NoError(t, d.Dispatch(context.Background(), alert))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "secmon.incidents", pub.subjects[0])
	var got SecurityAlert
	require.NoError(t, json.Unmarshal(pub.data[0], &got))
	assert.Equal(t, alert.ID, got.ID)
	d.Close()
}

func TestReliableDispatcher_RetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	flaky := DispatcherFunc(func(ctx context.Context, a *SecurityAlert) error {
		if attempts.Add(1) < 3 {
			return errors.New("temporarily unavailable")
		}
		return nil
	})

	d := NewReliableDispatcher(DeliveryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		RetryTimeout:   time.Second,
	}, flaky)

	alert := newTestAlert(schema.SeverityCritical, time.Now())
	require.NoError(t, d.Dispatch(context.Background(), alert))
	d.Stop()

	records := d.Records(alert.ID)
	require.Len(t, records, 1)
	assert.Equal(t, DeliverySent, records[0].Status)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Empty(t, d.DeadLetterQueue())
}

func TestReliableDispatcher_DeadLetterAndRetry(t *testing.T) {
	var healthy atomic.Bool
	target := DispatcherFunc(func(ctx context.Context, a *SecurityAlert) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	})

	d := NewReliableDispatcher(DeliveryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  1,
		RetryTimeout:   time.Second,
	}, target)

	alert := newTestAlert(schema.SeverityCritical, time.Now())
	require.NoError(t, d.Dispatch(context.Background(), alert))
	d.wg.Wait()

	dlq := d.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, "down", dlq[0].LastError)
	assert.Equal(t, 1, d.Stats().DeadLetter)

	healthy.Store(true)
	require.NoError(t, d.RetryDeadLetter(dlq[0].ID))
	d.Stop()

	assert.Empty(t, d.DeadLetterQueue())
	assert.Equal(t, DeliverySent, d.Records(alert.ID)[0].Status)
}

func TestDeliveryConfig_Backoff(t *testing.T) {
	c := DeliveryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffFactor: 2}.withDefaults()
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, 5*time.Second, c.backoff(4))

	flat := DeliveryConfig{InitialBackoff: time.Second}.withDefaults()
	assert.Equal(t, time.Second, flat.backoff(6))
	assert.Equal(t, 5, flat.MaxRetries)
}

func TestReliableDispatcher_StopDeadLettersPendingRetry(t *testing.T) {
	down := DispatcherFunc(func(ctx context.Context, a *SecurityAlert) error {
		return errors.New("down")
	})
	d := NewReliableDispatcher(DeliveryConfig{MaxRetries: 3, InitialBackoff: time.Hour}, down)

	alert := newTestAlert(schema.SeverityHigh, time.Now())
	require.NoError(t, d.Dispatch(context.Background(), alert))
	require.Eventually(t, func() bool { return d.Records(alert.ID)[0].LastError != "" }, time.Second, 5*time.Millisecond)
	d.Stop()

	dlq := d.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, "dispatcher stopped", dlq[0].LastError)
	assert.Equal(t, 1, dlq[0].Attempts)
	assert.Error(t, d.RetryDeadLetter(uuid.New()))
}
