package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"secmon/internal/alerting"
	"secmon/internal/config"
	"secmon/internal/schema"
)

func newTestEvent() *schema.SecurityEvent {
	return &schema.SecurityEvent{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC(),
		Type:        schema.EventMalwareDetected,
		Severity:    schema.SeverityCritical,
		Source:      "endpoint-42",
		Description: "trojan quarantined",
		RiskScore:   0.85,
		Metadata: schema.EventMetadata{
			ThreatMatches: []schema.ThreatMatch{{IndicatorID: "ioc-1"}},
			Anomalous:     true,
			Context:       map[string]any{"host": "ws-17"},
		},
	}
}

func newTestAlert() *alerting.SecurityAlert {
	now := time.Now().UTC()
	return &alerting.SecurityAlert{
		ID:        uuid.New(),
		RuleID:    "rule-malware",
		Timestamp: now,
		Severity:  schema.SeverityCritical,
		Title:     "Malware Detected",
		Events:    []schema.SecurityEvent{*newTestEvent()},
		Status:    alerting.StatusOpen,
		UpdatedAt: now,
	}
}

func testWriterConfig(size int) config.BatchWriterConfig {
	return config.BatchWriterConfig{
		BatchSize:     size,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
}

var _ alerting.Sink = (*BatchWriter)(nil)

func TestBatchWriter_BuffersUntilBatchSize(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), testWriterConfig(100))
	defer bw.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := bw.WriteEvent(ctx, newTestEvent()); err != nil {
			t.Fatalf("WriteEvent() error on event %d: %v", i, err)
		}
	}

	m := bw.Metrics()
	if m.Pending != 5 || m.Written != 0 || m.Batches != 0 {
		t.Errorf("unexpected metrics before flush: %+v", m)
	}
}

func TestBatchWriter_FlushOnBatchSize(t *testing.T) {
	batch := &mockBatch{}
	var query string
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, q string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			query = q
			return batch, nil
		},
	}
	bw := NewBatchWriter(newMockClient(conn), testWriterConfig(3))
	defer bw.Close()

	ev := newTestEvent()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bw.WriteEvent(ctx, ev); err != nil {
			t.Fatalf("WriteEvent() error: %v", err)
		}
	}

	m := bw.Metrics()
	if m.Pending != 0 || m.Written != 3 || m.Batches != 1 {
		t.Errorf("unexpected metrics after flush: %+v", m)
	}
	if !strings.Contains(query, "INSERT INTO security_events") {
		t.Errorf("unexpected insert query %q", query)
	}
	if batch.appendCount != 3 {
		t.Fatalf("appendCount = %d, want 3", batch.appendCount)
	}

	row := batch.rows[0]
	if len(row) != 11 {
		t.Fatalf("event row has %d columns, want 11", len(row))
	}
	if row[0] != ev.ID.String() || row[2] != "malware_detected" || row[8] != true {
		t.Errorf("unexpected event row %v", row)
	}
	if got := row[9].([]string); len(got) != 1 || got[0] != "ioc-1" {
		t.Errorf("threat matches column = %v", got)
	}
	if row[10] != `{"host":"ws-17"}` {
		t.Errorf("context column = %v", row[10])
	}
}

func TestBatchWriter_EventsFlushBeforeAlerts(t *testing.T) {
	var mu sync.Mutex
	var tables []string
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, q string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			mu.Lock()
			defer mu.Unlock()
			if strings.Contains(q, "security_alerts") {
				tables = append(tables, alertsTable)
			} else {
				tables = append(tables, eventsTable)
			}
			return &mockBatch{}, nil
		},
	}
	bw := NewBatchWriter(newMockClient(conn), testWriterConfig(100))

	ctx := context.Background()
	if err := bw.WriteAlert(ctx, newTestAlert()); err != nil {
		t.Fatal(err)
	}
	if err := bw.WriteEvent(ctx, newTestEvent()); err != nil {
		t.Fatal(err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if len(tables) != 2 || tables[0] != eventsTable || tables[1] != alertsTable {
		t.Errorf("flush order = %v", tables)
	}
	if m := bw.Metrics(); m.Written != 2 || m.Batches != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestBatchWriter_AlertRow(t *testing.T) {
	a := newTestAlert()
	row := alertRow(a)

	if len(row) != 10 {
		t.Fatalf("alert row has %d columns, want 10", len(row))
	}
	if row[6] != "open" {
		t.Errorf("status column = %v", row[6])
	}
	ids := row[7].([]string)
	if len(ids) != 1 || ids[0] != a.Events[0].ID.String() {
		t.Errorf("event ids column = %v", ids)
	}
	if recs := row[8].([]string); recs == nil {
		t.Error("nil recommendations should be written as an empty array")
	}
}

func TestBatchWriter_WriteAfterClose(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), DefaultBatchWriterConfig())
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	err := bw.WriteEvent(context.Background(), newTestEvent())
	if !errors.Is(err, ErrWriterClosed) {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}
}

func TestBatchWriter_FailureUpdatesMetrics(t *testing.T) {
	var attempts atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				attempts.Add(1)
				return errors.New("connection reset")
			}}, nil
		},
	}
	cfg := testWriterConfig(2)
	cfg.MaxRetries = 2
	bw := NewBatchWriter(newMockClient(conn), cfg)
	defer bw.Close()

	ctx := context.Background()
	_ = bw.WriteEvent(ctx, newTestEvent())
	err := bw.WriteEvent(ctx, newTestEvent())
	if err == nil {
		t.Fatal("expected insert error")
	}

	var se *StorageError
	if !errors.As(err, &se) || se.Table != eventsTable || se.Retries != 2 {
		t.Errorf("expected StorageError for events table, got %v", err)
	}
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Error("error should wrap ErrBatchInsertFailed")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if m := bw.Metrics(); m.Failed != 2 || m.Written != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestBatchWriter_TimerFlush(t *testing.T) {
	var sent atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error { sent.Add(1); return nil }}, nil
		},
	}
	cfg := testWriterConfig(100)
	cfg.FlushInterval = 20 * time.Millisecond
	bw := NewBatchWriter(newMockClient(conn), cfg)
	defer bw.Close()

	if err := bw.WriteEvent(context.Background(), newTestEvent()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sent.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() == 0 {
		t.Fatal("timer flush never sent the batch")
	}
}

func TestBatchWriter_ConcurrentWrites(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), testWriterConfig(10))

	var wg sync.WaitGroup
	ctx := context.Background()
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = bw.WriteEvent(ctx, newTestEvent())
			}
		}()
	}
	wg.Wait()

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if m := bw.Metrics(); m.Written != 200 || m.Pending != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}
