// Package audit writes the pipeline's audit trail as newline-delimited JSON.
//
// Every entry carries a SHA-256 checksum over its own content and the
// checksum of the entry before it in the same file, so an edited, dropped or
// reordered line breaks verification. The checksum is unkeyed: anyone able
// to rewrite the whole file can recompute it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"secmon/internal/logging"
)

var (
	ErrLoggerClosed     = errors.New("audit logger is closed")
	ErrChecksumMismatch = errors.New("audit entry checksum mismatch")
)

// Level is the severity of an audit entry.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Entry is one audit line. Prev is the checksum of the preceding entry in
// the same file and is empty for the first.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Prev      string         `json:"prev,omitempty"`
	Checksum  string         `json:"checksum"`
}

// ComputeChecksum returns the hex SHA-256 of the entry's JSON form with
// the checksum field left empty.
func (e *Entry) ComputeChecksum() (string, error) {
	unsigned := *e
	unsigned.Checksum = ""
	data, err := json.Marshal(unsigned)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Config sets where audit files live and how they rotate.
type Config struct {
	Dir           string        `yaml:"dir"`
	MaxFileSize   int64         `yaml:"max_file_size"`
	MaxFiles      int           `yaml:"max_files"` // rotated files kept
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns a 50MB rotation size, 30 kept files and a one
// second sync.
func DefaultConfig() Config {
	return Config{
		Dir:           "/var/log/secmon/audit",
		MaxFileSize:   50 << 20,
		MaxFiles:      30,
		FlushInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = def.MaxFileSize
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = def.MaxFiles
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	return c
}

// segment is the file currently appended to, named audit-YYYY-MM-DD.log.
type segment struct {
	f    *os.File
	path string
	size int64
	last string // checksum of the last entry written
	seq  uint64 // its sequence number
}

func openSegment(path string) (*segment, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	seg := &segment{f: f, path: path, size: info.Size()}
	if seg.size > 0 {
		if e, err := lastEntry(path); err == nil {
			seg.last, seg.seq = e.Checksum, e.Seq
		}
	}
	return seg, nil
}

func (s *segment) close() error {
	return errors.Join(s.f.Sync(), s.f.Close())
}

// Logger appends chained, checksummed entries to the current segment.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seg *segment
	seq uint64

	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	written atomic.Uint64
	errs    atomic.Uint64
	rotated atomic.Uint64
}

// NewLogger creates cfg.Dir, opens today's segment and starts syncing it
// every FlushInterval.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	al := &Logger{cfg: cfg, logger: logger, now: time.Now, done: make(chan struct{})}
	seg, err := openSegment(al.segmentPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	al.seg = seg
	al.seq = seg.seq

	ctx, cancel := context.WithCancel(context.Background())
	al.cancel = cancel
	go al.syncLoop(ctx)

	logger.Info("audit logger initialized", "dir", cfg.Dir, "file", seg.path)
	return al, nil
}

func (al *Logger) segmentPath() string {
	day := al.now().UTC().Format(time.DateOnly)
	return filepath.Join(al.cfg.Dir, "audit-"+day+".log")
}

// Log appends an entry. Sensitive keys in fields are redacted first. A
// failed write is logged and counted, never returned.
func (al *Logger) Log(_ context.Context, message string, level Level, fields map[string]any) {
	if al.closed.Load() {
		al.errs.Add(1)
		al.logger.Warn("audit entry dropped", "message", message, "error", ErrLoggerClosed)
		return
	}
	entry := &Entry{
		Timestamp: al.now().UTC(),
		Level:     level,
		Message:   message,
		Context:   logging.RedactContext(fields),
	}
	if err := al.append(entry); err != nil {
		al.errs.Add(1)
		al.logger.Error("audit write failed", "message", message, "error", err)
	}
}

func (al *Logger) append(entry *Entry) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed.Load() {
		return ErrLoggerClosed
	}
	if err := al.rollIfNeeded(); err != nil {
		return err
	}

	al.seq++
	entry.Seq = al.seq
	entry.Prev = al.seg.last
	sum, err := entry.ComputeChecksum()
	if err != nil {
		return fmt.Errorf("failed to checksum entry: %w", err)
	}
	entry.Checksum = sum

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	n, err := al.seg.f.Write(append(line, '\n'))
	al.seg.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	al.seg.last = sum
	al.written.Add(1)
	return nil
}

// rollIfNeeded moves to a fresh segment when the day changes or the
// current one is full, and retries the open after an earlier failure.
// Called with mu held.
func (al *Logger) rollIfNeeded() error {
	if al.seg != nil && al.seg.size >= al.cfg.MaxFileSize {
		if err := al.rotate(); err != nil {
			al.logger.Error("failed to rotate audit log", "error", err)
		}
	}
	if al.seg != nil && al.seg.path == al.segmentPath() {
		return nil
	}
	if al.seg != nil {
		_ = al.seg.close()
	}
	seg, err := openSegment(al.segmentPath())
	if err != nil {
		al.seg = nil
		return fmt.Errorf("failed to open new log file: %w", err)
	}
	al.seg = seg
	al.seq = max(al.seq, seg.seq)
	return nil
}

// rotate renames the current segment to audit-YYYY-MM-DD-<nanos>.log,
// seals it with a .sha256 file and prunes old rotated files. The caller
// reopens the current segment.
func (al *Logger) rotate() error {
	old := al.seg
	al.seg = nil
	if err := old.close(); err != nil {
		al.logger.Warn("failed to close audit segment", "path", old.path, "error", err)
	}

	sealed := fmt.Sprintf("%s-%d.log", strings.TrimSuffix(old.path, ".log"), al.now().UnixNano())
	if err := os.Rename(old.path, sealed); err != nil {
		return err
	}
	if err := seal(sealed); err != nil {
		al.logger.Warn("failed to write file checksum", "path", sealed, "error", err)
	}
	al.rotated.Add(1)
	al.prune()
	return nil
}

func seal(path string) error {
	sum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".sha256", []byte(sum), 0600)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// prune drops the oldest rotated files beyond MaxFiles.
func (al *Logger) prune() {
	sealed, err := filepath.Glob(filepath.Join(al.cfg.Dir, "audit-*-*-*-*.log"))
	if err != nil || len(sealed) <= al.cfg.MaxFiles {
		return
	}
	slices.Sort(sealed)
	for _, f := range sealed[:len(sealed)-al.cfg.MaxFiles] {
		_ = os.Remove(f)
		_ = os.Remove(f + ".sha256")
	}
}

// listFiles returns every audit file in dir oldest first; a day's rotated
// files sort before its current segment.
func listFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

func (al *Logger) syncLoop(ctx context.Context) {
	defer close(al.done)
	ticker := time.NewTicker(al.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := al.Flush(); err != nil {
				al.logger.Warn("audit sync failed", "error", err)
			}
		}
	}
}

// Flush syncs the current segment to disk.
func (al *Logger) Flush() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.seg == nil {
		return nil
	}
	return al.seg.f.Sync()
}

// Close stops the sync loop and closes the current segment. Later calls
// are no-ops.
func (al *Logger) Close() error {
	if al.closed.Swap(true) {
		return nil
	}
	al.cancel()
	<-al.done

	al.mu.Lock()
	defer al.mu.Unlock()
	var err error
	if al.seg != nil {
		err = al.seg.close()
		al.seg = nil
	}
	al.logger.Info("audit logger closed", "written", al.written.Load(), "errors", al.errs.Load())
	return err
}

// Metrics counts entries written, failed writes and rotations.
type Metrics struct {
	Written uint64 `json:"written"`
	Errors  uint64 `json:"errors"`
	Rotated uint64 `json:"rotated"`
}

func (al *Logger) Metrics() Metrics {
	return Metrics{
		Written: al.written.Load(),
		Errors:  al.errs.Load(),
		Rotated: al.rotated.Load(),
	}
}

// Dir returns the audit directory.
func (al *Logger) Dir() string { return al.cfg.Dir }

// currentPath is the segment being appended to, or "" after Close.
func (al *Logger) currentPath() string {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.seg == nil {
		return ""
	}
	return al.seg.path
}
