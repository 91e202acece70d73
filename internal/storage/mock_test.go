package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"secmon/internal/config"
)

// mockConn records Exec statements and hands out mock batches.
type mockConn struct {
	mu               sync.Mutex
	execs            []string
	execArgs         [][]any
	execErr          func(query string) error
	queryFunc        func(query string, args ...any) (driver.Rows, error)
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                          { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                   { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error       { return nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row       { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error { return nil }
func (m *mockConn) Ping(_ context.Context) error                                    { return nil }
func (m *mockConn) Stats() driver.Stats                                             { return driver.Stats{} }
func (m *mockConn) Close() error                                                    { return nil }

func (m *mockConn) Query(_ context.Context, query string, args ...any) (driver.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(query, args...)
	}
	return &mockRows{}, nil
}

func (m *mockConn) Exec(_ context.Context, query string, args ...any) error {
	m.mu.Lock()
	m.execs = append(m.execs, strings.TrimSpace(query))
	m.execArgs = append(m.execArgs, args)
	m.mu.Unlock()
	if m.execErr != nil {
		return m.execErr(query)
	}
	return nil
}

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

func (m *mockConn) statements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.execs...)
}

type mockBatch struct {
	mu          sync.Mutex
	rows        [][]any
	appendCount int
	sendFunc    func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

// mockRows yields uint32 or uint64 values one per row.
type mockRows struct {
	values []any
	pos    int
}

func (r *mockRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	v := r.values[r.pos-1]
	switch d := dest[0].(type) {
	case *uint32:
		*d = v.(uint32)
	case *uint64:
		*d = v.(uint64)
	}
	return nil
}

func (r *mockRows) ScanStruct(_ any) error           { return nil }
func (r *mockRows) ColumnTypes() []driver.ColumnType { return nil }
func (r *mockRows) Totals(_ ...any) error            { return nil }
func (r *mockRows) Columns() []string                { return nil }
func (r *mockRows) Close() error                     { return nil }
func (r *mockRows) Err() error                       { return nil }

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return NewClickHouseClientFromConn(conn, config.ClickHouseConfig{Database: "secmon"})
}
