// Package main is the entry point for the security monitoring service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secmon/internal/api"
	"secmon/internal/config"
	"secmon/internal/consumer"
	"secmon/internal/detection/rules"
	"secmon/internal/detection/threat"
	secerrors "secmon/internal/errors"
	"secmon/internal/ingest"
	"secmon/internal/kafka"
	"secmon/internal/logging"
	"secmon/internal/metrics"
	"secmon/internal/monitor"
	"secmon/internal/queue"
	"secmon/internal/retention"
	"secmon/internal/schema"
	"secmon/internal/security/audit"
	"secmon/internal/storage"
	"secmon/internal/storage/s3"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "secmon-server",
		Short: "Security event monitoring and alerting service",
		Long: `secmon-server ingests security observations over HTTP and DTLS, scores
them, matches threat indicators, flags anomalies, evaluates alert rules and
dispatches incidents for critical alerts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", config.DefaultPath, "Path to configuration file")
	flags.Int("http-port", 0, "HTTP listen port (overrides config)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: json or text")
	flags.Bool("storage", false, "Enable ClickHouse storage")

	viper.SetEnvPrefix("SECMON")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfiguration reads the YAML file and layers flag overrides on top.
// SECMON_* environment variables are applied by config.LoadFile.
func loadConfiguration() (*config.Config, error) {
	path := viper.GetString("config")
	if env := os.Getenv("SECMON_CONFIG_PATH"); env != "" && !viper.IsSet("config") {
		path = env
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if port := viper.GetInt("http-port"); port > 0 {
		cfg.Server.HTTPPort = port
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := viper.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	if viper.GetBool("storage") {
		cfg.Storage.Enabled = true
	}
	return cfg, cfg.Validate()
}

func runServer(_ *cobra.Command, _ []string) error {
	startTime := time.Now()

	cfg, err := loadConfiguration()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(os.Stdout, cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(logger)
	secerrors.SetProductionMode(cfg.Server.Production)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"production", cfg.Server.Production,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"dtls_enabled", cfg.Ingest.DTLS.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	auditLog, err := audit.NewLogger(audit.Config{
		Dir:           cfg.Audit.Dir,
		MaxFileSize:   cfg.Audit.MaxFileSize,
		MaxFiles:      cfg.Audit.MaxFiles,
		FlushInterval: cfg.Audit.FlushInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	// Storage is optional; without it events live only in memory.
	var (
		chClient    *storage.ClickHouseClient
		batchWriter *storage.BatchWriter
		rejects     consumer.RejectSink
		deps        = monitor.Dependencies{Audit: auditLog, Metrics: collector, Logger: logger}
	)
	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		chClient, err = storage.NewClickHouseClient(ctx, cfg.Storage.ClickHouse)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		defer chClient.Close()
		if err := chClient.RegisterMetrics(reg); err != nil {
			return fmt.Errorf("failed to register storage metrics: %w", err)
		}

		applied, err := storage.NewMigrator(chClient, logger).Run(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("migrations applied", "count", applied)

		if err := storage.NewRetentionManager(chClient, cfg.Retention.MaxAge).ApplyTTLs(ctx); err != nil {
			slog.Warn("failed to apply table TTLs", "error", err)
		}

		batchWriter = storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter)
		deps.EventSink = batchWriter
		deps.AlertSink = batchWriter
		rejects = storage.NewRejectWriter(chClient)
	}

	monCfg := monitor.ConfigFrom(cfg)

	var source threat.Source
	if cfg.ThreatIntel.Redis.Enabled {
		rs, err := threat.NewRedisSource(threat.RedisConfig{
			Addr:       cfg.ThreatIntel.Redis.Addr,
			Password:   cfg.ThreatIntel.Redis.Password,
			DB:         cfg.ThreatIntel.Redis.DB,
			Key:        cfg.ThreatIntel.Redis.Key,
			TLSEnabled: cfg.ThreatIntel.Redis.TLSEnabled,
		})
		if err != nil {
			return fmt.Errorf("failed to create indicator feed: %w", err)
		}
		defer rs.Close()
		source = rs
	}
	deps.Threats = threat.NewMatcher(monCfg.Threat, source, logger)

	deps.Rules = rules.NewSet(rules.NewFileStore(cfg.Rules.Path))
	if err := deps.Rules.Load(); err != nil {
		return fmt.Errorf("failed to load alert rules: %w", err)
	}

	dispatcher, closeDispatchers, err := buildDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDispatchers()
	deps.Dispatcher = dispatcher

	mon, err := monitor.New(monCfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopic(ctx, cfg.Kafka); err != nil {
			slog.Warn("failed to ensure notification topic", "topic", cfg.Kafka.Topic, "error", err)
		}
		pub, err := kafka.NewPublisher(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("failed to create notification publisher: %w", err)
		}
		defer pub.Close()
		mon.AddObserver(pub)
	}

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer mon.Stop()

	sweeper := retention.NewSweeper(cfg.Retention, mon.Events(), mon.Alerts(), logger).
		WithInvestigations(mon.Investigations()).
		WithMetrics(collector)
	if cfg.Retention.Archive.Enabled {
		client, err := s3.NewClient(ctx, cfg.Retention.Archive, logger)
		if err != nil {
			return fmt.Errorf("failed to create archive client: %w", err)
		}
		sweeper.WithArchiver(s3.NewArchiver(client, logger))
	}
	sweeper.Start(ctx)

	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)
	validator := schema.NewValidator()

	intake := ingest.NewHandler(validator, eventQueue, cfg.Ingest).WithRejectSink(rejects)

	queueConsumer, stopConsumer := startConsumer(eventQueue, mon, rejects, cfg.Consumer)

	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(cfg.Ingest.DTLS, validator, eventQueue, rejects, logger)
		if err != nil {
			return fmt.Errorf("failed to create DTLS server: %w", err)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start DTLS server: %w", err)
		}
	}

	mux := api.NewMux(api.New(mon, logger), intake, reg)
	handler, limiter := api.WithMiddleware(mux, cfg, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop intake first so the consumer drains a closed queue.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if dtlsServer != nil {
		dtlsServer.Stop()
	}
	stopConsumer()
	eventQueue.Close()
	sweeper.Stop()

	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
		bw := batchWriter.Metrics()
		slog.Info("storage metrics",
			"rows_written", bw.Written,
			"rows_failed", bw.Failed,
			"batches", bw.Batches,
		)
	}

	if limiter != nil {
		rs := limiter.Stats()
		slog.Info("rate limiter metrics", "allowed", rs.Allowed, "limited", rs.Limited, "tracked_ips", rs.TrackedIPs)
	}

	qm := eventQueue.Metrics()
	cm := queueConsumer.Metrics()
	slog.Info("shutdown complete",
		"events_pushed", qm.Pushed,
		"events_popped", qm.Popped,
		"events_dropped", qm.Dropped,
		"events_consumed", cm.Consumed,
		"events_rejected", cm.Rejected,
		"uptime", time.Since(startTime).Round(time.Second).String(),
	)
	return nil
}
