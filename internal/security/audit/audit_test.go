package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Dir:           filepath.Join(t.TempDir(), "audit"),
		MaxFileSize:   1024 * 1024,
		MaxFiles:      5,
		FlushInterval: 50 * time.Millisecond,
	}
}

func newTestLogger(t *testing.T, cfg Config) *Logger {
	t.Helper()
	al, err := NewLogger(cfg, nil)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	t.Cleanup(func() { al.Close() })
	return al
}

func readLines(t *testing.T, path string) [][]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return bytes.Split(bytes.TrimSpace(data), []byte("\n"))
}

func TestLogger_WritesChecksummedNDJSON(t *testing.T) {
	al := newTestLogger(t, testConfig(t))
	ctx := context.Background()

	al.Log(ctx, "event_processed", LevelInfo, map[string]any{
		"eventId":   "e-1",
		"riskScore": 0.85,
		"count":     12,
	})
	al.Log(ctx, "alert_created", LevelWarning, nil)
	if err := al.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	lines := readLines(t, al.currentPath())
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var raw map[string]any
	if err := json.Unmarshal(lines[0], &raw); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "message", "context", "checksum"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("entry missing %q", key)
		}
	}

	var entry Entry
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatal(err)
	}
	want, _ := entry.ComputeChecksum()
	if entry.Checksum != want || len(want) != 64 {
		t.Errorf("checksum = %q, want %q", entry.Checksum, want)
	}

	if m := al.Metrics(); m.Written != 2 || m.Errors != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestLogger_RedactsContext(t *testing.T) {
	al := newTestLogger(t, testConfig(t))
	al.Log(context.Background(), "rule_changed", LevelInfo, map[string]any{
		"ruleId":  "r-1",
		"api_key": "sk_live_abcdefgh",
	})
	al.Flush()

	data, _ := os.ReadFile(al.currentPath())
	if strings.Contains(string(data), "sk_live_abcdefgh") {
		t.Error("sensitive value written to audit log")
	}
	if !strings.Contains(string(data), "r-1") {
		t.Error("non-sensitive value missing")
	}
}

func TestLogger_VerifyDetectsTampering(t *testing.T) {
	al := newTestLogger(t, testConfig(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		al.Log(ctx, "event_processed", LevelInfo, map[string]any{"seq": i, "source": "idp"})
	}

	result, err := al.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() on clean log error = %v", err)
	}
	if result.Entries != 3 || !result.OK() {
		t.Fatalf("unexpected result %+v", result)
	}

	data, _ := os.ReadFile(al.currentPath())
	tampered := strings.Replace(string(data), `"source":"idp"`, `"source":"vpn"`, 1)
	if err := os.WriteFile(al.currentPath(), []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	result, err = al.Verify(ctx)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Line != 1 {
		t.Errorf("expected violation on line 1, got %+v", result.Violations)
	}
}

func TestLogger_Rotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileSize = 512
	cfg.MaxFiles = 2
	al := newTestLogger(t, cfg)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		al.Log(ctx, "event_processed", LevelInfo, map[string]any{"seq": i, "padding": strings.Repeat("x", 64)})
	}

	if al.Metrics().Rotated == 0 {
		t.Fatal("expected at least one rotation")
	}
	rotated, _ := filepath.Glob(filepath.Join(cfg.Dir, "audit-*-*-*-*.log"))
	if len(rotated) > cfg.MaxFiles {
		t.Errorf("kept %d rotated files, max %d", len(rotated), cfg.MaxFiles)
	}
	for _, f := range rotated {
		if _, err := os.Stat(f + ".sha256"); err != nil {
			t.Errorf("rotated file %s has no checksum file", f)
		}
	}

	result, err := al.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() after rotation error = %v", err)
	}
	if result.Files < 2 {
		t.Errorf("expected several files, got %d", result.Files)
	}
}

func TestLogger_Query(t *testing.T) {
	al := newTestLogger(t, testConfig(t))
	ctx := context.Background()

	al.Log(ctx, "event_processed", LevelInfo, nil)
	al.Log(ctx, "incident_dispatch_failed", LevelError, nil)
	al.Log(ctx, "event_processed", LevelInfo, nil)

	errorsOnly, err := al.Query(ctx, QueryOptions{Levels: []Level{LevelError}})
	if err != nil {
		t.Fatal(err)
	}
	if len(errorsOnly) != 1 || errorsOnly[0].Message != "incident_dispatch_failed" {
		t.Errorf("unexpected error entries %+v", errorsOnly)
	}

	limited, _ := al.Query(ctx, QueryOptions{Message: "event_processed", Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit not applied: %d", len(limited))
	}

	future, _ := al.Query(ctx, QueryOptions{Since: time.Now().Add(time.Hour)})
	if len(future) != 0 {
		t.Errorf("expected no entries after now, got %d", len(future))
	}
}

func TestLogger_ClosedCountsErrors(t *testing.T) {
	al := newTestLogger(t, testConfig(t))
	if err := al.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	al.Log(context.Background(), "late", LevelInfo, nil)

	if m := al.Metrics(); m.Errors != 1 || m.Written != 0 {
		t.Errorf("unexpected metrics after close %+v", m)
	}
	// Second close is a no-op
	if err := al.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestVerifyFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit-2026-01-01.log")
	if err := os.WriteFile(path, []byte("{not json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	result, err := VerifyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if result.OK() || result.Violations[0].Reason != "malformed entry" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestLogger_VerifyDetectsDroppedLine(t *testing.T) {
	al := newTestLogger(t, testConfig(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		al.Log(ctx, "event_processed", LevelInfo, map[string]any{"n": i})
	}
	al.Flush()

	path := al.currentPath()
	lines := readLines(t, path)
	kept := append(append([]byte{}, lines[0]...), '\n')
	kept = append(append(kept, lines[2]...), '\n')
	if err := os.WriteFile(path, kept, 0600); err != nil {
		t.Fatal(err)
	}

	result, err := VerifyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Reason != "chain broken" || result.Violations[0].Line != 2 {
		t.Errorf("expected broken chain on line 2, got %+v", result.Violations)
	}
}

func TestLogger_ReopenContinuesChain(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := NewLogger(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	first.Log(ctx, "before_restart", LevelInfo, nil)
	first.Close()

	second := newTestLogger(t, cfg)
	second.Log(ctx, "after_restart", LevelInfo, nil)

	entries, err := second.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Seq != 2 || entries[1].Prev != entries[0].Checksum {
		t.Errorf("chain not continued: %+v", entries[1])
	}
	if _, err := second.Verify(ctx); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}
