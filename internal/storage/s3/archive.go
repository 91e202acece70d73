package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"secmon/internal/schema"
)

// Archiver writes swept events as gzip-compressed JSON lines, one object per
// sweep, keyed by the day of the oldest event.
type Archiver struct {
	client *Client
	logger *slog.Logger
	now    func() time.Time

	archives atomic.Int64
	events   atomic.Int64
}

// ArchiverMetrics holds archive statistics.
type ArchiverMetrics struct {
	Archives int64         `json:"archives"`
	Events   int64         `json:"events"`
	Client   ClientMetrics `json:"client"`
}

// NewArchiver creates an Archiver.
func NewArchiver(client *Client, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{client: client, logger: logger, now: time.Now}
}

// ArchiveEvents uploads events. An empty slice is a no-op.
func (a *Archiver) ArchiveEvents(ctx context.Context, events []*schema.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	sorted := make([]*schema.SecurityEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	body, err := encode(sorted)
	if err != nil {
		return err
	}

	start := sorted[0].Timestamp.UTC()
	end := sorted[len(sorted)-1].Timestamp.UTC()
	key := archiveKey(start, a.now().UTC())

	metadata := map[string]string{
		"record-count": strconv.Itoa(len(sorted)),
		"start-time":   start.Format(time.RFC3339),
		"end-time":     end.Format(time.RFC3339),
	}
	if err := a.client.Upload(ctx, key, body, "application/gzip", metadata); err != nil {
		return err
	}

	a.archives.Add(1)
	a.events.Add(int64(len(sorted)))
	a.logger.Info("archived swept events",
		"key", key,
		"count", len(sorted),
		"compressed_bytes", len(body),
	)
	return nil
}

// Restore reads the events stored under key.
func (a *Archiver) Restore(ctx context.Context, key string) ([]*schema.SecurityEvent, error) {
	data, err := a.client.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// ListArchives returns the archive keys for a UTC day.
func (a *Archiver) ListArchives(ctx context.Context, day time.Time) ([]string, error) {
	objects, err := a.client.List(ctx, dayPrefix(day.UTC()))
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}
	return keys, nil
}

// Metrics returns archive statistics.
func (a *Archiver) Metrics() ArchiverMetrics {
	return ArchiverMetrics{
		Archives: a.archives.Load(),
		Events:   a.events.Load(),
		Client:   a.client.Metrics(),
	}
}

func dayPrefix(t time.Time) string {
	return fmt.Sprintf("events/%04d/%02d/%02d/", t.Year(), t.Month(), t.Day())
}

func archiveKey(start, now time.Time) string {
	return fmt.Sprintf("%s%s-%s.jsonl.gz", dayPrefix(start), now.Format("20060102T150405Z"), uuid.NewString()[:8])
}

func encode(events []*schema.SecurityEvent) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("s3: failed to encode event %s: %w", ev.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("s3: failed to compress archive: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) ([]*schema.SecurityEvent, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("s3: failed to open archive: %w", err)
	}
	defer gz.Close()

	var events []*schema.SecurityEvent
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev schema.SecurityEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("s3: corrupt archive line %d: %w", len(events)+1, err)
		}
		events = append(events, &ev)
	}
	return events, scanner.Err()
}
