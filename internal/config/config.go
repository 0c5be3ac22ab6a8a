// Package config loads offloadd configuration from YAML and OFFLOAD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	offload "github.com/nathanaelhub/portfolio-optimization-dashboard-sub001"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
)

// EnvPrefix prefixes every environment override, e.g. OFFLOAD_POOL_SIZE.
const EnvPrefix = "OFFLOAD"

// Config is the full offloadd configuration.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// PoolConfig sizes the execution unit pool.
type PoolConfig struct {
	ID string `mapstructure:"id" validate:"required" yaml:"id"`

	// Size is the number of execution units; 0 means one per CPU.
	Size int `mapstructure:"size" validate:"gte=0,lte=1024" yaml:"size"`

	TaskTimeout    time.Duration `mapstructure:"task_timeout" validate:"gt=0" yaml:"task_timeout"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" validate:"gt=0" yaml:"startup_timeout"`
	CacheCapacity  int           `mapstructure:"cache_capacity" validate:"gt=0" yaml:"cache_capacity"`
	MetricCapacity int           `mapstructure:"metric_capacity" validate:"gt=0" yaml:"metric_capacity"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Namespace    string        `mapstructure:"namespace" validate:"required_if=Enabled true" yaml:"namespace"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"omitempty,gt=0" yaml:"poll_interval"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// Load reads configPath (or ./offload.yaml when empty), applies environment
// overrides and defaults, then validates. A missing default file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	setViperDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case configPath == "" && os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Logger builds the structured logger described by the logging section.
func (c *Config) Logger() *core.SlogLogger {
	return core.NewDefaultLogger(c.Logging.Level, c.Logging.Format)
}

// ManagerOptions translates the pool section into offload options.
func (c *Config) ManagerOptions() []offload.Option {
	return []offload.Option{
		offload.WithPoolID(c.Pool.ID),
		offload.WithPoolSize(c.Pool.Size),
		offload.WithTaskTimeout(c.Pool.TaskTimeout),
		offload.WithStartupTimeout(c.Pool.StartupTimeout),
		offload.WithCacheCapacity(c.Pool.CacheCapacity),
		offload.WithMetricCapacity(c.Pool.MetricCapacity),
	}
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("offload")
	v.SetConfigType("yaml")
}

// setViperDefaults registers every key so AutomaticEnv can override keys
// absent from the file.
func setViperDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("pool.id", d.Pool.ID)
	v.SetDefault("pool.size", d.Pool.Size)
	v.SetDefault("pool.task_timeout", d.Pool.TaskTimeout)
	v.SetDefault("pool.startup_timeout", d.Pool.StartupTimeout)
	v.SetDefault("pool.cache_capacity", d.Pool.CacheCapacity)
	v.SetDefault("pool.metric_capacity", d.Pool.MetricCapacity)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.poll_interval", d.Metrics.PollInterval)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
