package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"secmon/internal/config"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:     "semicolon in string",
			sql:      "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "escaped quote",
			sql:      "SELECT 'it''s; fine'; SELECT 2",
			expected: []string{"SELECT 'it''s; fine'", "SELECT 2"},
		},
		{
			name:     "semicolon in line comment",
			sql:      "-- snapshots; newest wins\nCREATE TABLE a (id INT);",
			expected: []string{"-- snapshots; newest wins\nCREATE TABLE a (id INT)"},
		},
		{
			name:     "quote in line comment",
			sql:      "-- the alert's table\nCREATE TABLE a (id INT); SELECT '--; x'",
			expected: []string{"-- the alert's table\nCREATE TABLE a (id INT)", "SELECT '--; x'"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)
			if len(result) != len(tt.expected) {
				t.Fatalf("splitStatements() = %q, want %q", result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestStripComments(t *testing.T) {
	got := stripComments("-- header\nCREATE TABLE a (id INT)\n  -- trailing")
	if got != "CREATE TABLE a (id INT)" {
		t.Errorf("stripComments() = %q", got)
	}
	if stripComments("-- only a comment") != "" {
		t.Error("comment-only statement should be empty")
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations(NewMigrator(nil, nil).source)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("got %d migrations, want 3", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
	}
	if migrations[0].Name != "create_security_events" {
		t.Errorf("first migration name = %q", migrations[0].Name)
	}
}

func TestLoadMigrations_IgnoresUnnumberedFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"010_add_index.sql":   {Data: []byte("ALTER TABLE a ADD INDEX i (x) TYPE minmax")},
		"002_second.sql":      {Data: []byte("SELECT 2")},
		"notes.sql":           {Data: []byte("-- scratch")},
		"draft_migration.sql": {Data: []byte("SELECT 0")},
		"README.md":           {Data: []byte("docs")},
	}
	migrations, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != 2 || migrations[1].Name != "add_index" {
		t.Errorf("unexpected migrations %+v", migrations)
	}
}

func TestEmbeddedMigrationsAreSingleCreates(t *testing.T) {
	m := NewMigrator(nil, nil)
	all, err := loadMigrations(m.source)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("loaded %d migrations, want 3", len(all))
	}
	for _, mig := range all {
		var stmts []string
		for _, s := range splitStatements(mig.SQL) {
			if s = stripComments(s); s != "" {
				stmts = append(stmts, s)
			}
		}
		if len(stmts) != 1 || !strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS") {
			t.Errorf("migration %d (%s) splits into %q", mig.Version, mig.Name, stmts)
		}
	}
}

func TestMigrator_RunAppliesPending(t *testing.T) {
	conn := &mockConn{
		queryFunc: func(query string, _ ...any) (driver.Rows, error) {
			// version 1 already applied
			return &mockRows{values: []any{uint32(1)}}, nil
		},
	}
	m := NewMigrator(newMockClient(conn), nil)

	applied, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}

	stmts := conn.statements()
	if !strings.Contains(stmts[0], "schema_migrations") {
		t.Errorf("first statement should create schema_migrations, got %q", stmts[0])
	}
	var creates, records int
	for _, s := range stmts {
		if strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS security_events") {
			t.Error("already applied migration ran again")
		}
		if strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS") {
			creates++
		}
		if strings.HasPrefix(s, "INSERT INTO schema_migrations") {
			records++
		}
	}
	// schema_migrations plus alerts and rejects tables
	if creates != 3 || records != 2 {
		t.Errorf("creates = %d, records = %d", creates, records)
	}
}

func TestMigrator_RunStopsOnError(t *testing.T) {
	conn := &mockConn{
		execErr: func(q string) error {
			if strings.Contains(q, "security_alerts") {
				return errors.New("syntax error")
			}
			return nil
		},
	}
	applied, err := NewMigrator(newMockClient(conn), nil).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "migration 2") {
		t.Fatalf("expected migration 2 failure, got %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
}

func TestRetentionManager_ApplyTTLs(t *testing.T) {
	conn := &mockConn{
		execErr: func(q string) error {
			if strings.Contains(q, "rejected_observations") {
				return errors.New("table missing")
			}
			return nil
		},
	}
	r := NewRetentionManager(newMockClient(conn), 30*24*time.Hour)

	err := r.ApplyTTLs(context.Background())
	var se *StorageError
	if !errors.As(err, &se) || se.Table != "rejected_observations" {
		t.Fatalf("expected failure for rejected_observations, got %v", err)
	}
	stmts := conn.statements()
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3", len(stmts))
	}
	if stmts[0] != "ALTER TABLE security_events MODIFY TTL toDateTime(timestamp) + INTERVAL 30 DAY DELETE" {
		t.Errorf("unexpected statement %q", stmts[0])
	}
}

func TestRetentionManager_TTLDaysFloor(t *testing.T) {
	r := NewRetentionManager(nil, 3*time.Hour)
	if r.TTLDays() != 1 {
		t.Errorf("TTLDays() = %d, want 1", r.TTLDays())
	}
}

func TestRejectWriter(t *testing.T) {
	conn := &mockConn{
		queryFunc: func(query string, _ ...any) (driver.Rows, error) {
			return &mockRows{values: []any{uint64(7)}}, nil
		},
	}
	rw := NewRejectWriter(newMockClient(conn))
	ctx := context.Background()

	err := rw.Write(ctx, &RejectedObservation{Raw: `{"type":"bogus"}`, Source: "http", Reason: "type: invalid"})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if args := conn.execArgs[0]; args[3] != "http" || args[5] != "type: invalid" {
		t.Errorf("unexpected insert args %v", args)
	}

	n, err := rw.Count(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 7 {
		t.Errorf("Count() = %d, %v", n, err)
	}
}

func TestClientOptions(t *testing.T) {
	cfg := config.DefaultConfig().Storage.ClickHouse
	opts := clientOptions(cfg)
	if opts.Auth.Database != "secmon" || opts.TLS != nil {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Compression == nil || opts.Compression.Method != clickhouse.CompressionZSTD {
		t.Error("expected ZSTD compression")
	}

	cfg.TLSEnabled = true
	if opts := clientOptions(cfg); opts.TLS == nil || opts.TLS.MinVersion != tls.VersionTLS12 {
		t.Error("expected TLS 1.2 minimum")
	}
}

func TestClickHouseClient_RegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := newMockClient(&mockConn{})
	if err := client.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics() error = %v", err)
	}
	if n := testutil.CollectAndCount(reg, "secmon_clickhouse_open_connections", "secmon_clickhouse_idle_connections"); n != 2 {
		t.Errorf("collected %d series, want 2", n)
	}
	if err := client.RegisterMetrics(reg); err == nil {
		t.Error("registering twice should fail")
	}
}
