// Package storage persists security events, alerts and rejected
// observations to ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prometheus/client_golang/prometheus"

	"secmon/internal/config"
)

const pingTimeout = 5 * time.Second

// ClickHouseClient is the connection pool shared by the writers, the
// migrator and the retention manager.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
}

// clientOptions maps cfg onto driver options. Queries are capped at 60s
// server side and blocks are ZSTD compressed on the wire.
func clientOptions(cfg config.ClickHouseConfig) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "secmon", Version: "1"}},
		},
		Settings:         clickhouse.Settings{"max_execution_time": 60},
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// NewClickHouseClient opens the pool and fails unless the first host
// answers a ping.
func NewClickHouseClient(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	conn, err := clickhouse.Open(clientOptions(cfg))
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return NewClickHouseClientFromConn(conn, cfg), nil
}

// NewClickHouseClientFromConn wraps an already open driver connection.
func NewClickHouseClientFromConn(conn driver.Conn, cfg config.ClickHouseConfig) *ClickHouseClient {
	return &ClickHouseClient{conn: conn, database: cfg.Database}
}

func (c *ClickHouseClient) Close() error                   { return c.conn.Close() }
func (c *ClickHouseClient) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }
func (c *ClickHouseClient) Database() string               { return c.database }

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// RegisterMetrics exposes the pool's open and idle connection counts.
func (c *ClickHouseClient) RegisterMetrics(reg prometheus.Registerer) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "secmon",
			Subsystem: "clickhouse",
			Name:      "open_connections",
			Help:      "Connections currently open to ClickHouse.",
		}, func() float64 { return float64(c.conn.Stats().Open) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "secmon",
			Subsystem: "clickhouse",
			Name:      "idle_connections",
			Help:      "Idle connections held by the ClickHouse pool.",
		}, func() float64 { return float64(c.conn.Stats().Idle) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
