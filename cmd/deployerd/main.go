// Package main is the entry point for the deployment engine daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/patchplane/patchplane/internal/alerting"
	"github.com/patchplane/patchplane/internal/analytics"
	"github.com/patchplane/patchplane/internal/deploy"
	"github.com/patchplane/patchplane/internal/health"
	"github.com/patchplane/patchplane/internal/remote"
	"github.com/patchplane/patchplane/internal/rollback"
	"github.com/patchplane/patchplane/internal/store"
	"github.com/patchplane/patchplane/internal/trigger"
	"github.com/patchplane/patchplane/pkg/config"
	"github.com/patchplane/patchplane/pkg/database"
	"github.com/patchplane/patchplane/pkg/events"
	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/secrets"
	"github.com/patchplane/patchplane/pkg/telemetry"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, "json")
	log = log.WithService("deployerd")

	log.Info("starting deployment engine",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	tel, err := telemetry.NewProvider(&telemetry.Config{
		ServiceName:    "patchplane-deployerd",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       telemetry.ExporterType(cfg.Telemetry.Exporter),
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Warn("failed to shut down telemetry", "error", err)
		}
	}()

	// Persistence
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("connected to database")

	st := store.NewPostgres(db)

	// Secret provider
	var provider secrets.Provider
	if cfg.Vault.Address != "" {
		provider, err = secrets.NewVaultProvider(secrets.VaultConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			MountPath: cfg.Vault.MountPath,
		})
		if err != nil {
			return fmt.Errorf("failed to create vault provider: %w", err)
		}
		log.Info("initialized vault secret provider", "mount", cfg.Vault.MountPath)
	} else {
		provider = secrets.NewStaticProvider(nil)
		log.Warn("vault not configured, using static secret provider")
	}

	// Remote execution layer
	dialer := remote.NewSSHDialer(remote.SSHDialerConfig{
		DefaultUser:    cfg.SSH.User,
		DefaultPort:    cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
	}, provider, log)

	pool := remote.NewPool(dialer, cfg.SSH.IdleTTL, log)
	defer pool.Shutdown()

	executor := remote.NewExecutor(cfg.Deploy.MaxOutputBytes, cfg.Deploy.CommandTimeout, log)
	runner := remote.NewHostRunner(pool, executor)
	log.Info("initialized remote execution layer",
		"max_concurrent", cfg.Deploy.MaxConcurrent,
		"command_timeout", cfg.Deploy.CommandTimeout,
	)

	// Health probing and rollback trigger
	prober := health.NewProber(runner, log)

	alerts := alerting.NewRouter(log)
	for _, sink := range alerting.SinksFromConfig(cfg.Notifications, log) {
		alerts.AddSink(sink)
	}

	trig := trigger.NewEngine(trigger.Config{}, alerts, log)
	log.Info("initialized rollback trigger engine", "rules", trig.Rules())

	// Rollback executor
	rb := rollback.NewExecutor(runner, cfg.Deploy.MaxConcurrent, cfg.Deploy.CommandTimeout, log)

	// Analytics
	var cache analytics.Cache
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		redisCache, err := analytics.NewRedisCache(&analytics.RedisCacheConfig{
			Addr:   strings.TrimPrefix(cfg.Redis.URL, "redis://"),
			Prefix: "patchplane",
		})
		if err != nil {
			log.Warn("redis unavailable, using in-memory analytics cache", "error", err)
			cache = analytics.NewMemoryCache(cfg.Analytics.CacheTTL)
		} else {
			defer redisCache.Close()
			cache = redisCache
			log.Info("initialized redis analytics cache")
		}
	} else {
		cache = analytics.NewMemoryCache(cfg.Analytics.CacheTTL)
	}

	recorder := analytics.NewRecorder(st, cache, cfg.Analytics.WindowDays, log)
	if err := recorder.WarmUp(ctx); err != nil {
		log.Warn("failed to warm up analytics window", "error", err)
	}

	// Wire events
	var publisher events.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		publisher = kafkaPublisher
		log.Info("initialized kafka publisher", "brokers", cfg.Kafka.Brokers)
	} else {
		publisher = events.NopPublisher{}
		log.Info("no kafka brokers configured, wire events disabled")
	}
	defer publisher.Close()

	// Coordinator
	coordinator := deploy.NewCoordinator(st, runner, prober, trig, rb, recorder, alerts, publisher, deploy.Config{
		DeploymentTimeout: cfg.Deploy.DeploymentTimeout,
		CommandTimeout:    cfg.Deploy.CommandTimeout,
		MaxConcurrency:    cfg.Deploy.MaxConcurrent,
		HealthInterval:    cfg.Health.ProbeInterval,
		EventTopic:        cfg.Kafka.Topics.DeploymentEvents,
	}, log)
	log.Info("initialized deployment coordinator")

	// Surface any deployments left in flight by a previous process.
	if active, err := coordinator.ActiveDeployments(ctx); err == nil && len(active) > 0 {
		for _, d := range active {
			log.Warn("found deployment in non-terminal state from previous run",
				"deployment_id", d.ID,
				"status", d.Status,
			)
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	cancel()
	return nil
}
