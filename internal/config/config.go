package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/dbnest/internal/logger"
	"github.com/loykin/dbnest/internal/store"
)

// FileConfig is the top-level TOML structure. Every field also binds to
// an environment variable with the DBNEST_ prefix (nested keys joined
// with underscores, e.g. DBNEST_LOG_LEVEL).
type FileConfig struct {
	// BaseDir roots data/, run/ and log/ for every instance.
	BaseDir string `toml:"base_dir" mapstructure:"base_dir"`
	// StoreDSN selects the record store: sqlite://path or postgres://...
	StoreDSN string `toml:"store_dsn" mapstructure:"store_dsn"`

	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`

	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	ChildLog  logger.ChildLog `toml:"child_log" mapstructure:"child_log"`
	Events    EventsConfig    `toml:"events" mapstructure:"events"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Lifecycle LifecycleConfig `toml:"lifecycle" mapstructure:"lifecycle"`
	Ports     map[string]int  `toml:"ports" mapstructure:"ports"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// EventsConfig lists lifecycle event sinks by DSN: sqlite://, postgres://,
// clickhouse://, http:// or https:// (webhook).
type EventsConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

// LifecycleConfig tunes the manager's timing behavior.
type LifecycleConfig struct {
	AutoStart       bool          `toml:"auto_start" mapstructure:"auto_start"`
	ReapInterval    time.Duration `toml:"reap_interval" mapstructure:"reap_interval"`
	InitTimeout     time.Duration `toml:"init_timeout" mapstructure:"init_timeout"`
	StopTimeout     time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	InterStartDelay time.Duration `toml:"inter_start_delay" mapstructure:"inter_start_delay"`
}

// Default returns the configuration used when no file is given.
func Default() FileConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return FileConfig{
		BaseDir: filepath.Join(home, ".dbnest"),
		Server: ServerConfig{
			Listen:   "127.0.0.1:7913",
			BasePath: "/api/v1",
		},
		Log: logger.Config{Level: "info", Format: "auto"},
		Metrics: MetricsConfig{
			Enabled:        true,
			SampleInterval: 15 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			ReapInterval: time.Minute,
		},
	}
}

// Load reads path (TOML) over the defaults; an empty path loads only
// defaults plus environment overrides.
func Load(path string) (FileConfig, error) {
	fc := Default()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("DBNEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c FileConfig) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir must not be empty")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	for eng := range c.Ports {
		if _, err := store.ParseEngine(eng); err != nil {
			return fmt.Errorf("ports: %w", err)
		}
	}
	for eng, p := range c.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("ports.%s: %d out of range", eng, p)
		}
	}
	if c.Metrics.SampleInterval < 0 {
		return fmt.Errorf("metrics.sample_interval must not be negative")
	}
	return nil
}

// EffectiveStoreDSN falls back to a sqlite database under the base dir.
func (c FileConfig) EffectiveStoreDSN() string {
	if c.StoreDSN != "" {
		return c.StoreDSN
	}
	return "sqlite://" + filepath.Join(c.BaseDir, "dbnest.db")
}

// EnginePorts converts the per-engine default port overrides into
// typed form, dropping entries Validate already rejected.
func (c FileConfig) EnginePorts() map[store.Engine]int {
	if len(c.Ports) == 0 {
		return nil
	}
	out := make(map[store.Engine]int, len(c.Ports))
	for name, p := range c.Ports {
		eng, err := store.ParseEngine(name)
		if err != nil {
			continue
		}
		out[eng] = p
	}
	return out
}

// GlobalEnv merges env_files and the env list into "K=V" pairs, later
// sources overriding earlier ones. The OS environment is composed in
// separately by the spawn environment.
func (c FileConfig) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; # starts a comment line.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out[line[:i]] = strings.TrimSpace(line[i+1:])
		}
	}
	return out, nil
}
