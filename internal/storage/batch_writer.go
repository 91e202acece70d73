package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"secmon/internal/alerting"
	"secmon/internal/config"
	"secmon/internal/schema"
)

const (
	eventsTable  = "security_events"
	alertsTable  = "security_alerts"
	rejectsTable = "rejected_observations"
)

var insertQueries = map[string]string{
	eventsTable: `
		INSERT INTO security_events (
			event_id, timestamp, type, severity, source, description,
			risk_score, correlation_id, anomalous, threat_matches, context
		)`,
	alertsTable: `
		INSERT INTO security_alerts (
			alert_id, rule_id, timestamp, severity, title, description,
			status, event_ids, recommendations, updated_at
		)`,
}

// tableOrder fixes flush order so events land before the alerts citing them.
var tableOrder = []string{eventsTable, alertsTable}

// DefaultBatchWriterConfig flushes every 1000 rows or 5s, retrying a failed
// insert three times.
func DefaultBatchWriterConfig() config.BatchWriterConfig {
	return config.BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

const insertTimeout = 30 * time.Second

// BatchWriter buffers events and alerts and inserts them into ClickHouse in
// batches, when BatchSize rows are pending or every FlushInterval. It
// implements alerting.Sink.
//
// Writers only contend on the buffer; inserts run outside that lock and are
// serialized so a later drain never overtakes an earlier one.
type BatchWriter struct {
	client *ClickHouseClient
	config config.BatchWriterConfig

	mu      sync.Mutex // guards pending, size, closed
	pending map[string][][]any
	size    int
	closed  bool

	insertMu sync.Mutex

	stop context.CancelFunc
	done chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewBatchWriter fills unset sizes from DefaultBatchWriterConfig and starts
// the flush loop.
func NewBatchWriter(client *ClickHouseClient, cfg config.BatchWriterConfig) *BatchWriter {
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	bw := &BatchWriter{
		client:  client,
		config:  cfg,
		pending: make(map[string][][]any),
		stop:    cancel,
		done:    make(chan struct{}),
	}
	go bw.loop(ctx)
	return bw
}

// WriteEvent buffers a security event.
func (bw *BatchWriter) WriteEvent(_ context.Context, ev *schema.SecurityEvent) error {
	row, err := eventRow(ev)
	if err != nil {
		return err
	}
	return bw.add(eventsTable, row)
}

// WriteAlert buffers an alert snapshot. Status changes append a newer row;
// the table keeps the latest per alert id.
func (bw *BatchWriter) WriteAlert(_ context.Context, alert *alerting.SecurityAlert) error {
	return bw.add(alertsTable, alertRow(alert))
}

// add buffers row and, when the buffer is full, inserts it before
// returning so the caller sees the insert error.
func (bw *BatchWriter) add(table string, row []any) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	bw.pending[table] = append(bw.pending[table], row)
	bw.size++
	full := bw.size >= bw.config.BatchSize
	bw.mu.Unlock()

	if !full {
		return nil
	}
	return bw.Flush()
}

func eventRow(ev *schema.SecurityEvent) ([]any, error) {
	ctxJSON, err := json.Marshal(ev.Metadata.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event context: %w", err)
	}
	matches := make([]string, len(ev.Metadata.ThreatMatches))
	for i, m := range ev.Metadata.ThreatMatches {
		matches[i] = m.IndicatorID
	}
	return []any{
		ev.ID.String(),
		ev.Timestamp,
		string(ev.Type),
		string(ev.Severity),
		ev.Source,
		ev.Description,
		ev.RiskScore,
		ev.CorrelationID,
		ev.Metadata.Anomalous,
		matches,
		string(ctxJSON),
	}, nil
}

func alertRow(a *alerting.SecurityAlert) []any {
	ids := a.EventIDs()
	eventIDs := make([]string, len(ids))
	for i, id := range ids {
		eventIDs[i] = id.String()
	}
	recs := a.Recommendations
	if recs == nil {
		recs = []string{}
	}
	return []any{
		a.ID.String(),
		a.RuleID,
		a.Timestamp,
		string(a.Severity),
		a.Title,
		a.Description,
		string(a.Status),
		eventIDs,
		recs,
		a.UpdatedAt,
	}
}

func (bw *BatchWriter) loop(ctx context.Context) {
	defer close(bw.done)
	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				slog.Error("timer flush failed", "error", err)
			}
		}
	}
}

// drain takes everything buffered. Callers hold insertMu.
func (bw *BatchWriter) drain() map[string][][]any {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.size == 0 {
		return nil
	}
	out := bw.pending
	bw.pending = make(map[string][][]any)
	bw.size = 0
	return out
}

// Flush inserts everything buffered, events first. Each table is tried even
// if an earlier one failed.
func (bw *BatchWriter) Flush() error {
	bw.insertMu.Lock()
	defer bw.insertMu.Unlock()

	pending := bw.drain()
	var errs []error
	for _, table := range tableOrder {
		if rows := pending[table]; len(rows) > 0 {
			errs = append(errs, bw.insertWithRetry(table, rows))
		}
	}
	return errors.Join(errs...)
}

// insertWithRetry waits RetryDelay, then doubles it, between attempts.
func (bw *BatchWriter) insertWithRetry(table string, rows [][]any) error {
	var err error
	delay := bw.config.RetryDelay
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = bw.insert(table, rows); err == nil {
			bw.written.Add(uint64(len(rows)))
			bw.batches.Add(1)
			return nil
		}
		slog.Warn("batch insert failed",
			"table", table,
			"rows", len(rows),
			"attempt", attempt+1,
			"max_retries", bw.config.MaxRetries,
			"error", err,
		)
	}
	bw.failed.Add(uint64(len(rows)))
	return WrapInsertError(table, err, bw.config.MaxRetries)
}

func (bw *BatchWriter) insert(table string, rows [][]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, insertQueries[table])
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	slog.Debug("batch inserted", "table", table, "count", len(rows))
	return nil
}

// Close stops the flush loop and inserts what is left. Writes after Close
// fail with ErrWriterClosed; a second Close is a no-op.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.stop()
	<-bw.done
	return bw.Flush()
}

// BatchWriterMetrics counts rows written and failed, batches sent and rows
// still buffered.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := bw.size
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.written.Load(),
		Failed:  bw.failed.Load(),
		Batches: bw.batches.Load(),
		Pending: pending,
	}
}
