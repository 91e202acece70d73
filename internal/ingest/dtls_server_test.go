package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"secmon/internal/queue"
	"secmon/internal/schema"
)

func TestDefaultDTLSConfig(t *testing.T) {
	cfg := DefaultDTLSConfig()

	if cfg.Address != ":5516" {
		t.Errorf("Address = %s, want :5516", cfg.Address)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.MaxMessageSize != 65535 {
		t.Errorf("MaxMessageSize = %d, want 65535", cfg.MaxMessageSize)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
	if cfg.AllowInsecure {
		t.Error("AllowInsecure should be false by default")
	}
}

func TestNewDTLSServer_RequiresCertificate(t *testing.T) {
	_, err := NewDTLSServer(DefaultDTLSConfig(), nil, nil, nil, nil)
	if err != ErrDTLSCertRequired {
		t.Errorf("Expected ErrDTLSCertRequired, got %v", err)
	}
}

func TestNewDTLSServer_MutualTLSRequiresCA(t *testing.T) {
	cfg := DefaultDTLSConfig()
	cfg.AllowInsecure = true
	cfg.RequireClientCert = true

	_, err := NewDTLSServer(cfg, nil, nil, nil, nil)
	if err != ErrDTLSClientCertRequired {
		t.Errorf("Expected ErrDTLSClientCertRequired, got %v", err)
	}
}

func TestNewDTLSServer_AppliesDefaults(t *testing.T) {
	s, err := NewDTLSServer(config0(), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewDTLSServer() error = %v", err)
	}
	if s.config.Workers != 8 || s.config.MaxMessageSize != 65535 {
		t.Errorf("defaults not applied: %+v", s.config)
	}
	if s.IsSecure() || s.Addr() != nil {
		t.Error("server should not be listening before Start")
	}
}

func TestDTLSServer_InsecureIntake(t *testing.T) {
	cfg := config0()
	cfg.Address = "127.0.0.1:0"
	cfg.Workers = 2

	q := queue.NewRingBuffer(10)
	rejects := &recordingRejects{}
	s, err := NewDTLSServer(cfg, schema.NewValidator(), q, rejects, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("udp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, _ = conn.Write([]byte(`{"type":"network_intrusion","severity":"high","source":"ids-1"}`))
	_, _ = conn.Write([]byte(`{"type":"bogus","severity":"high","source":"ids-1"}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := s.Metrics()
		if m.Queued == 1 && m.Rejected == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m := s.Metrics()
	if m.Queued != 1 || m.Rejected != 1 || !m.InsecureWarned {
		t.Fatalf("unexpected metrics %+v", m)
	}

	item, err := q.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if item.Transport != "dtls" || item.Observation.Source != "ids-1" {
		t.Errorf("unexpected item %+v", item)
	}
	if rejects.count() != 1 {
		t.Errorf("rejects = %d, want 1", rejects.count())
	}

	s.Stop()
	s.Stop()
}
