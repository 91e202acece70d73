package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"secmon/internal/schema"
)

// memAPI is an in-memory bucket.
type memAPI struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	putErr   error
}

func newMemAPI() *memAPI {
	return &memAPI{objects: make(map[string][]byte), metadata: make(map[string]map[string]string)}
}

func (m *memAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = data
	m.metadata[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *memAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(m.objects[k])))})
	}
	return out, nil
}

func testEvents(base time.Time) []*schema.SecurityEvent {
	return []*schema.SecurityEvent{
		{ID: uuid.New(), Timestamp: base.Add(2 * time.Hour), Type: schema.EventPolicyViolation, Severity: schema.SeverityLow, Source: "proxy"},
		{ID: uuid.New(), Timestamp: base, Type: schema.EventMalwareDetected, Severity: schema.SeverityCritical, Source: "endpoint", RiskScore: 0.85},
	}
}

func TestArchiveAndRestore(t *testing.T) {
	api := newMemAPI()
	archiver := NewArchiver(NewClientWithAPI(api, "archive", "secmon/", nil), nil)
	archiver.now = func() time.Time { return time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC) }

	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	events := testEvents(base)
	ctx := context.Background()

	if err := archiver.ArchiveEvents(ctx, events); err != nil {
		t.Fatalf("ArchiveEvents() error = %v", err)
	}

	keys, err := archiver.ListArchives(ctx, base)
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d archives, want 1", len(keys))
	}
	if !strings.HasPrefix(keys[0], "events/2026/04/01/20260502T030000Z-") || !strings.HasSuffix(keys[0], ".jsonl.gz") {
		t.Errorf("unexpected key %q", keys[0])
	}

	meta := api.metadata["secmon/"+keys[0]]
	if meta["record-count"] != "2" || meta["start-time"] != "2026-04-01T10:00:00Z" {
		t.Errorf("unexpected metadata %v", meta)
	}

	restored, err := archiver.Restore(ctx, keys[0])
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("restored %d events, want 2", len(restored))
	}
	// oldest first
	if restored[0].ID != events[1].ID || restored[0].RiskScore != 0.85 {
		t.Errorf("unexpected first event %+v", restored[0])
	}

	m := archiver.Metrics()
	if m.Archives != 1 || m.Events != 2 || m.Client.ObjectsUploaded != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestArchiveEmpty(t *testing.T) {
	api := newMemAPI()
	archiver := NewArchiver(NewClientWithAPI(api, "archive", "", nil), nil)

	if err := archiver.ArchiveEvents(context.Background(), nil); err != nil {
		t.Fatalf("ArchiveEvents(nil) error = %v", err)
	}
	if len(api.objects) != 0 {
		t.Error("empty sweep should not upload")
	}
}

func TestArchiveUploadFailure(t *testing.T) {
	api := newMemAPI()
	api.putErr = errors.New("access denied")
	archiver := NewArchiver(NewClientWithAPI(api, "archive", "", nil), nil)

	err := archiver.ArchiveEvents(context.Background(), testEvents(time.Now()))
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected upload error, got %v", err)
	}
	if m := archiver.Metrics(); m.Archives != 0 || m.Client.Errors != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestRestoreMissing(t *testing.T) {
	archiver := NewArchiver(NewClientWithAPI(newMemAPI(), "archive", "", nil), nil)
	if _, err := archiver.Restore(context.Background(), "events/none.jsonl.gz"); err == nil {
		t.Error("expected error for missing archive")
	}
}

func TestDecodeCorrupt(t *testing.T) {
	if _, err := decode([]byte("not gzip")); err == nil {
		t.Error("expected error for non-gzip data")
	}
}
