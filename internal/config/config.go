// Package config loads the layered configuration surface: built-in
// defaults, an optional YAML file, and environment variables prefixed
// FORGE_, most-specific wins in that order. No option is read from a CLI
// flag; cmd/orchestratord's --config flag only selects the YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Scheduler holds BgTaskRunner tuning knobs.
type Scheduler struct {
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	DefaultIdleTimeout   time.Duration `mapstructure:"default_idle_timeout"`
	DefaultMaxToolCalls  int           `mapstructure:"default_max_tool_calls"`
	DefaultMaxSteps      int           `mapstructure:"default_max_steps"`
	SandboxKeepAlive     time.Duration `mapstructure:"sandbox_keep_alive"`
	AgentKeepAlive       time.Duration `mapstructure:"agent_keep_alive"`
	InjectionTruncateLen int           `mapstructure:"injection_truncate_len"`
	RedoTruncateLen      int           `mapstructure:"redo_truncate_len"`
	// MaxTaskHistory is reserved for a future retention policy; the
	// scheduler currently retains every task record for the process
	// lifetime regardless of this value (spec Open Question d).
	MaxTaskHistory int `mapstructure:"max_task_history"`
}

// Progress holds ProgressTracker tuning knobs.
type Progress struct {
	Interval time.Duration `mapstructure:"interval"`
}

// HTTP holds the public API listener configuration.
type HTTP struct {
	Addr        string   `mapstructure:"addr"`
	BearerToken string   `mapstructure:"bearer_token"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Metrics holds the loopback-only metrics listener configuration.
type Metrics struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// Sandbox holds sandbox factory configuration.
type Sandbox struct {
	Kind    string `mapstructure:"kind"`
	BaseDir string `mapstructure:"base_dir"`
}

// Config is the fully-resolved configuration surface.
type Config struct {
	Scheduler Scheduler `mapstructure:"scheduler"`
	Progress  Progress  `mapstructure:"progress"`
	HTTP      HTTP      `mapstructure:"http"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Sandbox   Sandbox   `mapstructure:"sandbox"`
}

// Default returns the built-in default configuration, matching the values
// named in the configuration surface specification.
func Default() Config {
	return Config{
		Scheduler: Scheduler{
			MaxConcurrent:        5,
			DefaultIdleTimeout:   120 * time.Second,
			DefaultMaxToolCalls:  200,
			DefaultMaxSteps:      50,
			SandboxKeepAlive:     30 * time.Minute,
			AgentKeepAlive:       30 * time.Minute,
			InjectionTruncateLen: 4000,
			RedoTruncateLen:      2000,
			MaxTaskHistory:       0,
		},
		Progress: Progress{
			Interval: 15 * time.Second,
		},
		HTTP: HTTP{
			Addr: ":8080",
		},
		Metrics: Metrics{
			Addr:    "127.0.0.1:9090",
			Enabled: true,
		},
		Sandbox: Sandbox{
			Kind:    "local",
			BaseDir: "./forge-data",
		},
	}
}

// Load resolves the layered configuration: defaults, an optional YAML file
// at path (skipped if empty or missing), then FORGE_-prefixed environment
// variables, with the dots of a key written as underscores (http.addr is
// FORGE_HTTP_ADDR). Load applies no CLI flag layer.
func Load(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}
	return decode(v)
}

// NewViper returns a viper instance pre-seeded with defaults and the
// FORGE_ environment prefix; Load reads the file into it and decodes it.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("forge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	seedDefaults(v, Default())
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func seedDefaults(v *viper.Viper, d Config) {
	v.SetDefault("scheduler.max_concurrent", d.Scheduler.MaxConcurrent)
	v.SetDefault("scheduler.default_idle_timeout", d.Scheduler.DefaultIdleTimeout)
	v.SetDefault("scheduler.default_max_tool_calls", d.Scheduler.DefaultMaxToolCalls)
	v.SetDefault("scheduler.default_max_steps", d.Scheduler.DefaultMaxSteps)
	v.SetDefault("scheduler.sandbox_keep_alive", d.Scheduler.SandboxKeepAlive)
	v.SetDefault("scheduler.agent_keep_alive", d.Scheduler.AgentKeepAlive)
	v.SetDefault("scheduler.injection_truncate_len", d.Scheduler.InjectionTruncateLen)
	v.SetDefault("scheduler.redo_truncate_len", d.Scheduler.RedoTruncateLen)
	v.SetDefault("scheduler.max_task_history", d.Scheduler.MaxTaskHistory)
	v.SetDefault("progress.interval", d.Progress.Interval)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.bearer_token", d.HTTP.BearerToken)
	v.SetDefault("http.cors_origins", d.HTTP.CORSOrigins)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("sandbox.kind", d.Sandbox.Kind)
	v.SetDefault("sandbox.base_dir", d.Sandbox.BaseDir)
}
