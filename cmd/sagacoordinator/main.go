// Command sagacoordinator runs the saga coordinator as a standalone
// process: it loads configuration, wires the broker transport, saga
// store, audit trail, diagnostic log and metrics aggregator, registers
// the partner-onboarding saga type, and serves until SIGINT/SIGTERM,
// the same signal-driven shutdown shape server/engine.go uses for its
// HTTP servers, generalized here to a broker-subscriber process with no
// HTTP surface of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"partnersaga/audit"
	auditmem "partnersaga/audit/memory"
	auditsql "partnersaga/audit/sql"
	"partnersaga/broker"
	"partnersaga/broker/natsjetstream"
	"partnersaga/broker/redisstreams"
	"partnersaga/config"
	"partnersaga/coordinator"
	"partnersaga/logging"
	"partnersaga/metrics"
	"partnersaga/sagalog"
	"partnersaga/sagastore"
	sagastoremem "partnersaga/sagastore/memory"
	sagastoresql "partnersaga/sagastore/sql"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, defaults apply otherwise)")
	flag.Parse()

	logger := logging.ComponentLogger("sagacoordinator")
	ctx := context.Background()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error(ctx, "config load failed", logging.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error(ctx, "config invalid", logging.Error(err))
		os.Exit(1)
	}

	c, saglog, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "startup failed", logging.Error(err))
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.Start(runCtx); err != nil {
		logger.Error(ctx, "coordinator start failed", logging.Error(err))
		os.Exit(1)
	}
	logger.Info(ctx, "saga coordinator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info(ctx, "received signal, shutting down", logging.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := c.Close(shutdownCtx); err != nil {
		logger.Error(ctx, "coordinator shutdown error", logging.Error(err))
	}
	if err := saglog.Close(shutdownCtx); err != nil {
		logger.Error(ctx, "sagalog close error", logging.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// build assembles every ambient and domain component from cfg. It
// returns the saglog handle separately from the coordinator so main can
// flush it after Close, mirroring the teacher's "stop the business
// server, then drain the infrastructure" ordering in server/engine.go's
// Phase 5.
func build(ctx context.Context, cfg *config.Config, logger logging.ILogger) (*coordinator.Coordinator, *sagalog.Logger, error) {
	saglog, err := sagalog.New(sagalog.Config{
		MaxInMemory: cfg.Log.MaxInMemory,
		FilePath:    cfg.Log.FilePath,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sagalog: %w", err)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	trail, err := buildTrail(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	agg := metrics.New()
	registerAlerts(agg, cfg, logger)

	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	def := coordinator.PartnerOnboardingDef()
	for i, step := range def.Steps {
		def.Steps[i].Timeout = cfg.StepTimeout(step.Name, step.Timeout)
	}

	c, err := coordinator.New(coordinator.Config{
		Workers:           cfg.Coordinator.Workers,
		IdempotencyWindow: cfg.Coordinator.IdempotencyWindow,
	}, store, trail, saglog, agg, adapter, map[string]*coordinator.SagaTypeDef{
		coordinator.PartnerOnboardingType: def,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: %w", err)
	}
	return c, saglog, nil
}

// buildStore picks the durable sqlite-backed store when
// state.snapshot_path is configured, and an in-process store otherwise —
// the in-process default is appropriate for a single-instance deployment
// or tests, the sqlite store for anything that must survive a restart.
func buildStore(ctx context.Context, cfg *config.Config) (sagastore.ISagaStore, error) {
	if cfg.State.SnapshotPath == "" {
		return sagastoremem.New(16), nil
	}
	return sagastoresql.New(ctx, sagastoresql.Config{DSN: "file:" + cfg.State.SnapshotPath})
}

func buildTrail(ctx context.Context, cfg *config.Config) (audit.ITrail, error) {
	if cfg.Audit.FilePath == "" {
		return auditmem.New(16), nil
	}
	return auditsql.New(ctx, auditsql.Config{
		DSN:         "file:" + cfg.Audit.FilePath,
		FsyncPolicy: auditsql.FsyncPolicy(cfg.Audit.FsyncPolicy),
	})
}

// buildAdapter selects the broker transport by broker.url's scheme:
// nats:// for JetStream, redis:// for Redis Streams. An empty URL is a
// Fatal-class configuration error (§7) since the coordinator cannot
// receive events without a transport.
func buildAdapter(cfg *config.Config, logger logging.ILogger) (broker.IAdapter, error) {
	if cfg.Broker.URL == "" {
		return nil, fmt.Errorf("config: broker.url is required")
	}
	u, err := url.Parse(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("config: broker.url invalid: %w", err)
	}

	// broker.publish_max_retries isn't threaded through: §4.2 fixes the
	// publish backoff policy (base 100ms, factor 2, max 5s, 6 attempts)
	// for every transport via broker.PublishRetryConfig, so the config
	// key is accepted for forward-compatibility but has nothing to
	// override yet. publish_timeout_ms sets JetStream's AckWait for the
	// nats transport and the XREADGROUP block timeout for the redis
	// transport.
	switch u.Scheme {
	case "nats":
		return natsjetstream.NewAdapter(natsjetstream.Config{
			URL:     cfg.Broker.URL,
			Stream:  "SAGA_EVENTS",
			AckWait: cfg.PublishTimeout(),
			Logger:  logger,
		}), nil
	case "redis", "rediss":
		return redisstreams.NewAdapter(redisstreams.Config{
			Addr:         u.Host,
			BlockTimeout: cfg.PublishTimeout(),
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("config: unsupported broker.url scheme %q", u.Scheme)
	}
}

// registerAlerts wires §6.5's two alert thresholds into agg: an
// error-rate threshold and an active-saga-count threshold. Both are
// registered for every saga type and evaluated against that type's own
// counters after each Aggregator Record* call; the active count is
// derived from those counters, not read from the store.
func registerAlerts(agg *metrics.Aggregator, cfg *config.Config, logger logging.ILogger) {
	rate := cfg.Metrics.Alert.ErrorRateThresholdPct / 100
	agg.RegisterAlertCallback("error_rate", "", metrics.ThresholdFailureRate(rate, 10), func(name string, snap metrics.SagaTypeSnapshot) {
		logger.Error(context.Background(), "alert: error rate threshold breached",
			logging.String("alert", name), logging.String("saga_type", snap.SagaType),
			logging.Int64("failed", snap.Failed), logging.Int64("compensated", snap.Compensated), logging.Int64("started", snap.Started))
	})

	threshold := int64(cfg.Metrics.Alert.ActiveSagasThreshold)
	agg.RegisterAlertCallback("active_sagas", "", func(snap metrics.SagaTypeSnapshot) bool {
		active := snap.Started - snap.Completed - snap.Failed - snap.Compensated
		return active > threshold
	}, func(name string, snap metrics.SagaTypeSnapshot) {
		logger.Error(context.Background(), "alert: active saga count threshold breached",
			logging.String("alert", name), logging.String("saga_type", snap.SagaType))
	})
}
