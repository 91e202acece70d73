package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"secmon/internal/config"
	"secmon/internal/queue"
	"secmon/internal/schema"
)

var (
	ErrDTLSCertRequired       = errors.New("DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
)

const handshakeTimeout = 30 * time.Second

// DefaultDTLSConfig returns the listener defaults. Certificates are left
// empty and must be configured.
func DefaultDTLSConfig() config.DTLSConfig {
	return config.DTLSConfig{
		Address:        ":5516",
		Workers:        8,
		MaxMessageSize: 65535,
		IdleTimeout:    5 * time.Minute,
	}
}

// DTLSServerMetrics is a snapshot of the DTLS intake counters.
type DTLSServerMetrics struct {
	Connections    uint64 `json:"connections"`
	HandshakeErrs  uint64 `json:"handshake_errors"`
	Received       uint64 `json:"received"`
	Queued         uint64 `json:"queued"`
	Rejected       uint64 `json:"rejected"`
	Dropped        uint64 `json:"dropped"`
	InsecureWarned bool   `json:"insecure_warned"`
}

// DTLSServer accepts one JSON observation per datagram. Datagrams are
// handed to a fixed worker pool that runs the shared intake path.
type DTLSServer struct {
	intake
	config config.DTLSConfig
	logger *slog.Logger

	listener net.Listener   // DTLS sessions
	packets  net.PacketConn // plaintext fallback, only with AllowInsecure

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	connections   atomic.Uint64
	handshakeErrs atomic.Uint64
	received      atomic.Uint64
	queued        atomic.Uint64
	rejected      atomic.Uint64
	dropped       atomic.Uint64
	insecure      atomic.Bool
}

// NewDTLSServer checks cfg and fills unset limits from DefaultDTLSConfig.
// Certificates are required unless AllowInsecure is set.
func NewDTLSServer(
	cfg config.DTLSConfig,
	validator *schema.Validator,
	q *queue.RingBuffer,
	rejects RejectSink,
	logger *slog.Logger,
) (*DTLSServer, error) {
	switch {
	case !cfg.AllowInsecure && (cfg.CertFile == "" || cfg.KeyFile == ""):
		return nil, ErrDTLSCertRequired
	case cfg.RequireClientCert && cfg.CAFile == "":
		return nil, ErrDTLSClientCertRequired
	}
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultDTLSConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	return &DTLSServer{
		intake: intake{validator: validator, queue: q, rejects: rejects},
		config: cfg,
		logger: logger,
	}, nil
}

// Start binds the socket and returns; receiving runs until ctx ends or
// Stop is called. Without certificates (AllowInsecure only) it falls back
// to plaintext UDP.
func (s *DTLSServer) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.config.CertFile == "" || s.config.KeyFile == "" {
		return s.listenPlain(ctx)
	}
	return s.listenDTLS(ctx)
}

func (s *DTLSServer) dtlsConfig(ctx context.Context) (*dtls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DTLS certificate: %w", err)
	}
	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, handshakeTimeout)
		},
	}
	if !s.config.RequireClientCert {
		return cfg, nil
	}

	pem, err := os.ReadFile(s.config.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to parse CA certificate")
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = dtls.RequireAndVerifyClientCert
	return cfg, nil
}

func (s *DTLSServer) listenDTLS(ctx context.Context) error {
	cfg, err := s.dtlsConfig(ctx)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	l, err := dtls.Listen("udp", addr, cfg)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	s.listener = l
	s.logger.Info("DTLS server started", "address", l.Addr().String(), "mutual_tls", s.config.RequireClientCert)

	out := s.startWorkers(ctx)
	s.wg.Add(1)
	go s.acceptLoop(ctx, out)
	return nil
}

func (s *DTLSServer) listenPlain(ctx context.Context) error {
	s.logger.Warn("SECURITY WARNING: accepting observations over UDP WITHOUT encryption",
		"address", s.config.Address,
		"recommendation", "configure dtls.cert_file and dtls.key_file",
	)
	s.insecure.Store(true)

	pc, err := net.ListenPacket("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	s.packets = pc
	context.AfterFunc(ctx, func() { _ = pc.Close() })
	s.logger.Info("UDP server started (INSECURE)", "address", pc.LocalAddr().String())

	out := s.startWorkers(ctx)
	s.wg.Add(1)
	go s.readPackets(ctx, out)
	return nil
}

type datagram struct {
	data   []byte
	remote string
}

// startWorkers launches the pool. The receive loop owns the returned
// channel and closes it when it exits.
func (s *DTLSServer) startWorkers(ctx context.Context) chan datagram {
	out := make(chan datagram, s.config.Workers*100)
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for d := range out {
				s.process(ctx, d)
			}
		}()
	}
	return out
}

func (s *DTLSServer) process(ctx context.Context, d datagram) {
	err := s.admit(ctx, d.data, "dtls", d.remote)
	switch {
	case err == nil:
		s.queued.Add(1)
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		s.dropped.Add(1)
	default:
		s.rejected.Add(1)
		s.logger.Debug("observation rejected", "remote", d.remote, "error", err)
	}
}

func (s *DTLSServer) acceptLoop(ctx context.Context, out chan datagram) {
	defer s.wg.Done()

	var sessions sync.WaitGroup
	defer func() {
		sessions.Wait()
		close(out)
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.handshakeErrs.Add(1)
			s.logger.Debug("DTLS accept error", "error", err)
			continue
		}

		s.connections.Add(1)
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.readSession(ctx, conn, out)
		}()
	}
}

// readSession reads datagrams from one DTLS session until it idles out,
// fails, or the server stops.
func (s *DTLSServer) readSession(ctx context.Context, conn net.Conn, out chan<- datagram) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	buf := make([]byte, s.config.MaxMessageSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			s.logger.Debug("DTLS session closed", "remote", remote, "error", err)
			return
		}
		s.forward(out, buf[:n], remote)
	}
}

func (s *DTLSServer) readPackets(ctx context.Context, out chan datagram) {
	defer s.wg.Done()
	defer close(out)

	buf := make([]byte, s.config.MaxMessageSize)
	for {
		n, from, err := s.packets.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("UDP read error", "error", err)
			continue
		}
		s.forward(out, buf[:n], from.String())
	}
}

// forward copies data out of the read buffer and hands it to the pool,
// dropping it when the pool is saturated.
func (s *DTLSServer) forward(out chan<- datagram, data []byte, remote string) {
	s.received.Add(1)
	select {
	case out <- datagram{data: append([]byte(nil), data...), remote: remote}:
	default:
		s.dropped.Add(1)
		s.logger.Debug("datagram channel full, dropping", "remote", remote)
	}
}

// Addr returns the bound address, or nil before Start.
func (s *DTLSServer) Addr() net.Addr {
	switch {
	case s.listener != nil:
		return s.listener.Addr()
	case s.packets != nil:
		return s.packets.LocalAddr()
	}
	return nil
}

// IsSecure reports whether the server is listening with DTLS.
func (s *DTLSServer) IsSecure() bool {
	return s.listener != nil
}

// Stop closes the socket and waits for in-flight datagrams to be admitted.
// It is safe to call more than once.
func (s *DTLSServer) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.packets != nil {
			_ = s.packets.Close()
		}
		s.wg.Wait()

		m := s.Metrics()
		s.logger.Info("DTLS server stopped",
			"connections", m.Connections,
			"received", m.Received,
			"queued", m.Queued,
			"rejected", m.Rejected,
			"dropped", m.Dropped,
		)
	})
}

// Metrics returns the current counters.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:    s.connections.Load(),
		HandshakeErrs:  s.handshakeErrs.Load(),
		Received:       s.received.Load(),
		Queued:         s.queued.Load(),
		Rejected:       s.rejected.Load(),
		Dropped:        s.dropped.Load(),
		InsecureWarned: s.insecure.Load(),
	}
}
