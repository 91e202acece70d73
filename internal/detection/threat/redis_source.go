package threat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding indicator id -> indicator JSON.
const DefaultRedisKey = "secmon:indicators"

// RedisConfig configures the Redis indicator feed.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Key         string        `yaml:"key"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	TLSEnabled  bool          `yaml:"tls_enabled"`
}

// hashReader is the subset of the go-redis client used by RedisSource.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisSource reads indicators from a Redis hash.
type RedisSource struct {
	client hashReader
	closer func() error
	key    string
}

// NewRedisSource connects to Redis and verifies the connection.
func NewRedisSource(cfg RedisConfig) (*RedisSource, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{client: client, closer: client.Close, key: key}, nil
}

// Fetch returns every indicator stored in the hash. Entries that fail to
// decode are skipped.
func (s *RedisSource) Fetch(ctx context.Context) ([]*ThreatIndicator, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: HGETALL %s: %w", s.key, err)
	}
	return decodeIndicators(entries), nil
}

// Close closes the Redis connection.
func (s *RedisSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func decodeIndicators(entries map[string]string) []*ThreatIndicator {
	out := make([]*ThreatIndicator, 0, len(entries))
	for id, raw := range entries {
		var ind ThreatIndicator
		if err := json.Unmarshal([]byte(raw), &ind); err != nil {
			slog.Warn("skipping undecodable indicator", "id", id, "error", err)
			continue
		}
		if ind.ID == "" {
			ind.ID = id
		}
		if ind.Source == "" {
			ind.Source = "redis"
		}
		out = append(out, &ind)
	}
	return out
}
