// Package config handles configuration loading for secmon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when SECMON_CONFIG_PATH is unset.
const DefaultPath = "configs/secmon.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Ingest          IngestConfig          `yaml:"ingest"`
	Queue           QueueConfig           `yaml:"queue"`
	Consumer        ConsumerConfig        `yaml:"consumer"`
	Auth            AuthConfig            `yaml:"auth"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Logging         LoggingConfig         `yaml:"logging"`
	Monitor         MonitorConfig         `yaml:"monitor"`
	Rules           RulesConfig           `yaml:"rules"`
	ThreatIntel     ThreatIntelConfig     `yaml:"threat_intel"`
	Retention       RetentionConfig       `yaml:"retention"`
	Audit           AuditConfig           `yaml:"audit"`
	Storage         StorageConfig         `yaml:"storage"`
	Kafka           KafkaConfig           `yaml:"kafka"`
	NATS            NATSConfig            `yaml:"nats"`
	Incident        IncidentConfig        `yaml:"incident"`
	Posture         PostureConfig         `yaml:"posture"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Production masks paths, addresses and backend details in error
	// responses.
	Production bool `yaml:"production"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int        `yaml:"max_batch_size"`
	MaxPayloadSize int        `yaml:"max_payload_size"`
	DTLS           DTLSConfig `yaml:"dtls"`
}

// DTLSConfig holds DTLS (secure UDP) intake settings.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	AllowInsecure     bool          `yaml:"allow_insecure"` // plain UDP fallback, never in production
}

// QueueConfig holds ring buffer settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ConsumerConfig holds settings for the single pipeline consumer.
type ConsumerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// AuthConfig holds API key authentication settings. Keys are stored as
// bcrypt hashes only.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // per window
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	MaxClients    int           `yaml:"max_clients"` // least recently seen are evicted
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"` // honor X-Forwarded-For
}

// SecurityHeadersConfig holds response header settings for the API.
type SecurityHeadersConfig struct {
	Enabled               bool              `yaml:"enabled"`
	HSTSMaxAge            int               `yaml:"hsts_max_age"` // seconds, 0 disables
	ContentSecurityPolicy string            `yaml:"content_security_policy"`
	FrameOptions          string            `yaml:"frame_options"`
	ReferrerPolicy        string            `yaml:"referrer_policy"`
	CustomHeaders         map[string]string `yaml:"custom_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MonitorConfig holds detection pipeline settings.
type MonitorConfig struct {
	Timezone        string        `yaml:"timezone"`
	AnomalyStrategy string        `yaml:"anomaly_strategy"`
	ZThreshold      float64       `yaml:"z_threshold"`
	MinSamples      int           `yaml:"min_samples"`
	BaselineWindow  time.Duration `yaml:"baseline_window"`
	BaselineSeries  int           `yaml:"baseline_series"`
	BaselineCleanup time.Duration `yaml:"baseline_cleanup"`
	MaxAlerts       int           `yaml:"max_alerts"`
	PatternCache    int           `yaml:"pattern_cache"`
}

// RulesConfig locates the alert rules file.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// ThreatIntelConfig holds indicator settings.
type ThreatIntelConfig struct {
	LoadBuiltIn     bool          `yaml:"load_builtin"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the indicator feed connection.
type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Key        string `yaml:"key"`
	TLSEnabled bool   `yaml:"tls_enabled"`
}

// RetentionConfig holds history retention settings.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
	Archive  ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig holds S3 archive settings for swept events.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Dir           string        `yaml:"dir"`
	MaxFileSize   int64         `yaml:"max_file_size"`
	MaxFiles      int           `yaml:"max_files"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// KafkaConfig holds the notification stream settings.
type KafkaConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Brokers           []string      `yaml:"brokers"`
	Topic             string        `yaml:"topic"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	Compression       string        `yaml:"compression"` // none, gzip, snappy, lz4, zstd
	RequiredAcks      int           `yaml:"required_acks"`
	Partitions        int           `yaml:"partitions"`
	ReplicationFactor int           `yaml:"replication_factor"`
	TLSEnabled        bool          `yaml:"tls_enabled"`
	SASLMechanism     string        `yaml:"sasl_mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername      string        `yaml:"sasl_username"`
	SASLPassword      string        `yaml:"sasl_password"`
}

// NATSConfig holds incident publication settings.
type NATSConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

// IncidentConfig holds the dispatch targets for critical alerts.
type IncidentConfig struct {
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Slack     SlackConfig     `yaml:"slack"`
	PagerDuty PagerDutyConfig `yaml:"pagerduty"`
	Retry     RetryConfig     `yaml:"retry"`
}

// WebhookConfig is a generic JSON webhook target.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SlackConfig holds Slack incoming-webhook settings.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// PagerDutyConfig holds Events API v2 settings.
type PagerDutyConfig struct {
	RoutingKey string `yaml:"routing_key"`
	URL        string `yaml:"url"`
}

// RetryConfig wraps dispatch targets in retry with dead lettering.
type RetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// PostureConfig holds posture audit settings.
type PostureConfig struct {
	ReportPath string `yaml:"report_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			DTLS: DTLSConfig{
				Enabled:        false, // needs certificates
				Address:        ":5516",
				Workers:        4,
				MaxMessageSize: 65535,
				IdleTimeout:    5 * time.Minute,
			},
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Consumer: ConsumerConfig{
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:      false, // development default
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			MaxClients:    10000,
			ExemptPaths:   []string{"/health", "/metrics"},
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled:               true,
			HSTSMaxAge:            31536000, // 1 year
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
			FrameOptions:          "DENY",
			ReferrerPolicy:        "no-referrer",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Monitor: MonitorConfig{
			Timezone:        "Local",
			AnomalyStrategy: "heuristic",
			ZThreshold:      3.0,
			MinSamples:      30,
			BaselineWindow:  7 * 24 * time.Hour,
			BaselineSeries:  10000,
			BaselineCleanup: 10 * time.Minute,
			MaxAlerts:       100000,
			PatternCache:    1024,
		},
		Rules: RulesConfig{
			Path: "data/alert-rules.json",
		},
		ThreatIntel: ThreatIntelConfig{
			LoadBuiltIn:     true,
			RefreshInterval: time.Hour,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "secmon:indicators",
			},
		},
		Retention: RetentionConfig{
			MaxAge:   30 * 24 * time.Hour,
			Interval: 24 * time.Hour,
			Archive: ArchiveConfig{
				Region: "us-east-1",
				Prefix: "secmon/archive",
			},
		},
		Audit: AuditConfig{
			Dir:           "data/audit",
			MaxFileSize:   50 * 1024 * 1024,
			MaxFiles:      30,
			FlushInterval: time.Second,
		},
		Storage: StorageConfig{
			Enabled: false, // development runs without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "secmon",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			Topic:             "secmon.notifications",
			BatchTimeout:      100 * time.Millisecond,
			Compression:       "lz4",
			RequiredAcks:      1,
			Partitions:        3,
			ReplicationFactor: 1,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "secmon.incidents",
			Timeout: 5 * time.Second,
		},
		Incident: IncidentConfig{
			Retry: RetryConfig{
				Enabled:        true,
				MaxRetries:     5,
				InitialBackoff: time.Second,
				MaxBackoff:     5 * time.Minute,
			},
		},
		Posture: PostureConfig{
			ReportPath: "data/posture-report.json",
		},
	}
}

// Load loads configuration from SECMON_CONFIG_PATH (or DefaultPath). A
// missing file yields defaults; environment overrides apply either way.
func Load() (*Config, error) {
	configPath := os.Getenv("SECMON_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultPath
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SECMON_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = p
		}
	}

	if prod := os.Getenv("SECMON_PRODUCTION"); prod != "" {
		c.Server.Production = prod == "true" || prod == "1"
	}

	if level := os.Getenv("SECMON_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("SECMON_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if hash := os.Getenv("SECMON_API_KEY_HASH"); hash != "" {
		c.Auth.APIKeyHashes = append(c.Auth.APIKeyHashes, hash)
		c.Auth.Enabled = true
	}

	if path := os.Getenv("SECMON_RULES_PATH"); path != "" {
		c.Rules.Path = path
	}
	if dir := os.Getenv("SECMON_AUDIT_DIR"); dir != "" {
		c.Audit.Dir = dir
	}
	if tz := os.Getenv("SECMON_TIMEZONE"); tz != "" {
		c.Monitor.Timezone = tz
	}

	// Storage settings
	if enabled := os.Getenv("SECMON_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("SECMON_REDIS_ADDR"); addr != "" {
		c.ThreatIntel.Redis.Addr = addr
		c.ThreatIntel.Redis.Enabled = true
	}
	if brokers := os.Getenv("SECMON_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if url := os.Getenv("SECMON_NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}

	if enabled := os.Getenv("SECMON_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Location resolves the monitor timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Monitor.Timezone)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid monitor.timezone %q: %w", c.Monitor.Timezone, err)
	}

	switch c.Monitor.AnomalyStrategy {
	case "heuristic", "baseline", "combined":
	default:
		return fmt.Errorf("invalid monitor.anomaly_strategy %q", c.Monitor.AnomalyStrategy)
	}

	if c.Retention.MaxAge <= 0 || c.Retention.Interval <= 0 {
		return fmt.Errorf("retention max_age and interval must be positive")
	}

	if c.Auth.Enabled {
		if len(c.Auth.APIKeyHashes) == 0 {
			return fmt.Errorf("auth enabled without api_key_hashes")
		}
		for i, h := range c.Auth.APIKeyHashes {
			if !strings.HasPrefix(h, "$2") {
				return fmt.Errorf("auth.api_key_hashes[%d] is not a bcrypt hash", i)
			}
		}
	}

	if c.Retention.Archive.Enabled && c.Retention.Archive.Bucket == "" {
		return fmt.Errorf("retention.archive enabled without bucket")
	}

	if c.Ingest.DTLS.Enabled && !c.Ingest.DTLS.AllowInsecure &&
		(c.Ingest.DTLS.CertFile == "" || c.Ingest.DTLS.KeyFile == "") {
		return fmt.Errorf("ingest.dtls enabled without cert_file and key_file")
	}

	return nil
}
