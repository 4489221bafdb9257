// Package config is the typed settings surface for the saga coordinator
// process, mirroring §6.5's recognized keys. It applies defaults the
// same way coordinator.Config and the transport Configs do (a
// applyDefaults-style method, not a separate validation pass per field),
// and optionally loads overrides from a YAML file via gopkg.in/yaml.v3 —
// the same library the teacher already carries for its own fixture
// loading, generalized here to runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig configures the broker transport (§6.2/§6.5).
type BrokerConfig struct {
	URL               string `yaml:"url"`
	PublishTimeoutMS  int    `yaml:"publish_timeout_ms"`
	PublishMaxRetries int    `yaml:"publish_max_retries"`
}

// CoordinatorConfig configures the dispatch engine (§4.7/§5/§6.5).
type CoordinatorConfig struct {
	Workers           int `yaml:"workers"`
	IdempotencyWindow int `yaml:"idempotency_window"`
}

// LogConfig configures the diagnostic trail (package sagalog).
type LogConfig struct {
	Level       string `yaml:"level"`
	FilePath    string `yaml:"file_path"`
	MaxInMemory int    `yaml:"max_in_memory"`
}

// AuditConfig configures the durable audit trail (package audit).
type AuditConfig struct {
	FilePath    string `yaml:"file_path"`
	FsyncPolicy string `yaml:"fsync_policy"` // always|batched|never
}

// MetricsAlertConfig configures the alert thresholds of §6.5.
type MetricsAlertConfig struct {
	ErrorRateThresholdPct float64 `yaml:"error_rate_threshold_pct"`
	ActiveSagasThreshold  int     `yaml:"active_sagas_threshold"`
}

// MetricsConfig wraps the alert sub-block.
type MetricsConfig struct {
	Alert MetricsAlertConfig `yaml:"alert"`
}

// StateConfig configures durable saga-state snapshotting.
type StateConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

// Config is the full recognized-key set of §6.5, loaded from YAML (or
// constructed programmatically) and then defaulted via applyDefaults.
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	// SagaTimeoutsMS holds "saga.timeouts.<step_name>_ms" overrides, keyed
	// by step_name (the "_ms" suffix and "saga.timeouts." prefix are
	// stripped). In YAML they are a map under the top-level key
	// `saga_timeouts_ms`.
	SagaTimeoutsMS map[string]int `yaml:"saga_timeouts_ms"`
	Log            LogConfig      `yaml:"log"`
	Audit          AuditConfig    `yaml:"audit"`
	Metrics        MetricsConfig  `yaml:"metrics"`
	State          StateConfig    `yaml:"state"`
}

// Default returns a Config with every default value filled in, suitable
// for an all-in-memory, no-file, single-process run.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path as YAML into a new Config and fills in defaults for
// any key the file left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.PublishTimeoutMS <= 0 {
		c.Broker.PublishTimeoutMS = 5000
	}
	if c.Broker.PublishMaxRetries <= 0 {
		c.Broker.PublishMaxRetries = 3
	}
	if c.Coordinator.Workers <= 0 {
		c.Coordinator.Workers = 8
	}
	if c.Coordinator.IdempotencyWindow <= 0 {
		c.Coordinator.IdempotencyWindow = 1000
	}
	if c.SagaTimeoutsMS == nil {
		c.SagaTimeoutsMS = make(map[string]int)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxInMemory <= 0 {
		c.Log.MaxInMemory = 100000
	}
	if c.Audit.FsyncPolicy == "" {
		c.Audit.FsyncPolicy = "batched"
	}
	if c.Metrics.Alert.ErrorRateThresholdPct <= 0 {
		c.Metrics.Alert.ErrorRateThresholdPct = 10
	}
	if c.Metrics.Alert.ActiveSagasThreshold <= 0 {
		c.Metrics.Alert.ActiveSagasThreshold = 10000
	}
}

// PublishTimeout is Broker.PublishTimeoutMS as a time.Duration.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Broker.PublishTimeoutMS) * time.Millisecond
}

// StepTimeout returns the configured override for stepName, or
// fallback if §6.5's "saga.timeouts.<step_name>_ms" key is unset.
func (c *Config) StepTimeout(stepName string, fallback time.Duration) time.Duration {
	ms, ok := c.SagaTimeoutsMS[stepName]
	if !ok || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate reports a Fatal-class configuration error (§7) before any
// component is constructed from it.
func (c *Config) Validate() error {
	switch c.Audit.FsyncPolicy {
	case "always", "batched", "never":
	default:
		return fmt.Errorf("config: audit.fsync_policy must be always|batched|never, got %q", c.Audit.FsyncPolicy)
	}
	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("config: coordinator.workers must be positive")
	}
	return nil
}
