package config

import (
	"strings"
	"time"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
)

// Default returns a complete configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values. Pool size 0 is kept: it means one unit per CPU.
func ApplyDefaults(cfg *Config) {
	applyPoolDefaults(&cfg.Pool)
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyServerDefaults(&cfg.Server)
}

func applyPoolDefaults(cfg *PoolConfig) {
	if cfg.ID == "" {
		cfg.ID = "offload"
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = core.DefaultTaskTimeout
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CacheCapacity == 0 {
		cfg.CacheCapacity = 100
	}
	if cfg.MetricCapacity == 0 {
		cfg.MetricCapacity = 100
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Namespace == "" {
		cfg.Namespace = "offload"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}
