// Package config loads and validates taskwatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/taskwatch/internal/decision"
	"github.com/JakeFAU/taskwatch/internal/pool"
	"github.com/JakeFAU/taskwatch/internal/progress"
	"github.com/JakeFAU/taskwatch/internal/telemetry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Decision DecisionConfig `mapstructure:"decision"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Progress ProgressConfig `mapstructure:"progress"`
	Console  ConsoleConfig  `mapstructure:"console"`
	TaskView TaskViewConfig `mapstructure:"taskview"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DecisionConfig tunes the show-or-finish decision.
type DecisionConfig struct {
	Delay          time.Duration `mapstructure:"delay"`
	PopupThreshold time.Duration `mapstructure:"popup_threshold"`
	Cancelable     bool          `mapstructure:"cancelable"`
}

// PoolConfig selects and sizes the instrumented pool.
type PoolConfig struct {
	Kind       string `mapstructure:"kind"`
	Size       int    `mapstructure:"size"`
	QueueDepth int    `mapstructure:"queue_depth"`
	// MaxActive caps concurrent units of an elastic pool; zero is unbounded.
	MaxActive int `mapstructure:"max_active"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// ConsoleConfig tunes the text surface.
type ConsoleConfig struct {
	RedrawInterval time.Duration `mapstructure:"redraw_interval"`
}

// TaskViewConfig controls how long finished units stay listed.
type TaskViewConfig struct {
	Retain          time.Duration `mapstructure:"retain"`
	RemoveSucceeded bool          `mapstructure:"remove_succeeded"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("decision.delay", decision.DefaultDecisionDelay)
	v.SetDefault("decision.popup_threshold", decision.DefaultPopupThreshold)
	v.SetDefault("decision.cancelable", false)
	v.SetDefault("pool.kind", string(pool.KindFixed))
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.queue_depth", 64)
	v.SetDefault("pool.max_active", 0)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("console.redraw_interval", 100*time.Millisecond)
	v.SetDefault("taskview.retain", 30*time.Second)
	v.SetDefault("taskview.remove_succeeded", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", telemetry.ExporterStdout)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "taskwatch")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Decision.Delay <= 0 {
		return fmt.Errorf("decision.delay must be > 0")
	}
	if c.Decision.PopupThreshold < c.Decision.Delay {
		return fmt.Errorf("decision.popup_threshold must be >= decision.delay")
	}
	switch pool.Kind(c.Pool.Kind) {
	case pool.KindFixed:
		if c.Pool.Size <= 0 {
			return fmt.Errorf("pool.size must be > 0 for a fixed pool")
		}
	case pool.KindElastic:
	default:
		return fmt.Errorf("pool.kind must be %q or %q", pool.KindFixed, pool.KindElastic)
	}
	if c.Pool.QueueDepth < 0 || c.Pool.MaxActive < 0 {
		return fmt.Errorf("pool.queue_depth and pool.max_active must be >= 0")
	}
	if c.TaskView.Retain <= 0 {
		return fmt.Errorf("taskview.retain must be > 0")
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case telemetry.ExporterNone, telemetry.ExporterStdout, telemetry.ExporterOTLP:
		default:
			return fmt.Errorf("tracing.exporter must be one of none, stdout, otlp")
		}
	}
	return nil
}

// DecisionRun converts the decision section into a coordinator config.
func (c Config) DecisionRun(title string) decision.Config {
	return decision.Config{
		Title:          title,
		DecisionDelay:  c.Decision.Delay,
		PopupThreshold: c.Decision.PopupThreshold,
		Cancelable:     c.Decision.Cancelable,
	}
}

// HubConfig converts the progress section into event hub settings.
func (c Config) HubConfig() progress.HubConfig {
	return progress.HubConfig{
		BufferSize:     c.Progress.BufferSize,
		MaxBatchEvents: c.Progress.MaxBatchEvents,
		MaxBatchWait:   c.Progress.MaxBatchWait,
		SinkTimeout:    c.Progress.SinkTimeout,
	}
}

// TelemetryConfig converts the tracing section into provider settings.
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Tracing.Enabled,
		Exporter:     c.Tracing.Exporter,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		SampleRate:   c.Tracing.SampleRate,
		ServiceName:  c.Tracing.ServiceName,
	}
}

// APIKey returns the key the HTTP server should require, if any.
func (c Config) APIKey() string {
	if !c.Auth.Enabled {
		return ""
	}
	return c.Auth.APIKey
}
