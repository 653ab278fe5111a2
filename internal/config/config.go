// Package config loads the shell's settings from a TOML, YAML or JSON file
// and DMXSHELL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/dmxshell/internal/env"
	"github.com/loykin/dmxshell/internal/logger"
	"github.com/loykin/dmxshell/internal/metrics"
	"github.com/loykin/dmxshell/internal/process"
	"github.com/loykin/dmxshell/internal/readiness"
)

// EnvPrefix is prepended to every environment override, e.g.
// DMXSHELL_READINESS_URL or DMXSHELL_SIDECAR_KILL_ON_RESTART.
const EnvPrefix = "DMXSHELL"

const (
	DefaultListen      = "127.0.0.1:8765"
	DefaultStopTimeout = 3 * time.Second
	DefaultLockName    = "dmxshell.lock"
)

type Config struct {
	Sidecar   SidecarConfig    `mapstructure:"sidecar"`
	Readiness readiness.Config `mapstructure:"readiness"`
	Log       logger.Config    `mapstructure:"log"`
	History   HistoryConfig    `mapstructure:"history"`
	Server    ServerConfig     `mapstructure:"server"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Instance  InstanceConfig   `mapstructure:"instance"`
}

type SidecarConfig struct {
	process.Spec `mapstructure:",squash"`
	// EnvFiles are simple KEY=VALUE files merged into the sidecar's env
	// before Env, which wins on conflicts.
	EnvFiles      []string          `mapstructure:"env_files"`
	KillOnRestart bool              `mapstructure:"kill_on_restart"`
	StopTimeout   time.Duration     `mapstructure:"stop_timeout"`
	Capture       logger.FileConfig `mapstructure:"capture"`
}

type HistoryConfig struct {
	// DSNs selects the sinks, see history/factory.
	DSNs []string `mapstructure:"dsns"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Base    string `mapstructure:"base"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type InstanceConfig struct {
	// LockPath defaults to dmxshell.lock in the user cache dir.
	LockPath string `mapstructure:"lock_path"`
	Disabled bool   `mapstructure:"disabled"`
}

// Default returns the configuration used when no file or env is present.
func Default() *Config {
	return &Config{
		Sidecar: SidecarConfig{
			Spec:        process.Spec{Name: process.DefaultName},
			StopTimeout: DefaultStopTimeout,
		},
		Readiness: readiness.DefaultConfig(),
		Log:       logger.Config{Level: "info", Color: true, Time: true},
		Server:    ServerConfig{Enabled: true, Listen: DefaultListen, Base: "/api"},
		Metrics: MetricsConfig{
			Enabled:   true,
			Resources: metrics.ResourceConfig{Interval: 5 * time.Second},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("sidecar.name", d.Sidecar.Name)
	v.SetDefault("sidecar.path", "")
	v.SetDefault("sidecar.dir", "")
	v.SetDefault("sidecar.command", "")
	v.SetDefault("sidecar.args", []string{})
	v.SetDefault("sidecar.work_dir", "")
	v.SetDefault("sidecar.env", []string{})
	v.SetDefault("sidecar.env_files", []string{})
	v.SetDefault("sidecar.kill_on_restart", false)
	v.SetDefault("sidecar.stop_timeout", d.Sidecar.StopTimeout)
	v.SetDefault("sidecar.capture.dir", "")
	v.SetDefault("sidecar.capture.stdout", "")
	v.SetDefault("sidecar.capture.stderr", "")

	v.SetDefault("readiness.url", d.Readiness.URL)
	v.SetDefault("readiness.interval", d.Readiness.Interval)
	v.SetDefault("readiness.max_attempts", d.Readiness.MaxAttempts)
	v.SetDefault("readiness.request_timeout", d.Readiness.RequestTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", "")
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.time", d.Log.Time)
	v.SetDefault("log.file.path", "")

	v.SetDefault("history.dsns", []string{})

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base", d.Server.Base)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", d.Metrics.Resources.Interval)

	v.SetDefault("instance.lock_path", "")
	v.SetDefault("instance.disabled", false)
}

// Load reads path (optional) and applies DMXSHELL_* overrides on top of the
// defaults. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.Sidecar.Validate(); err != nil {
		return fmt.Errorf("sidecar: %w", err)
	}
	if c.Sidecar.StopTimeout < 0 {
		return errors.New("sidecar: stop_timeout must not be negative")
	}
	r := c.Readiness
	if err := validateHealthURL(r.URL); err != nil {
		return fmt.Errorf("readiness: %w", err)
	}
	if r.Interval <= 0 {
		return errors.New("readiness: interval must be positive")
	}
	if r.MaxAttempts <= 0 {
		return errors.New("readiness: max_attempts must be positive")
	}
	if r.RequestTimeout <= 0 {
		return errors.New("readiness: request_timeout must be positive")
	}
	for i, dsn := range c.History.DSNs {
		if strings.TrimSpace(dsn) == "" {
			return fmt.Errorf("history: dsns[%d] is empty", i)
		}
	}
	if c.Server.Enabled {
		if strings.TrimSpace(c.Server.Listen) == "" {
			return errors.New("server: listen is required when enabled")
		}
		if c.Server.Base != "" && !strings.HasPrefix(c.Server.Base, "/") {
			return errors.New("server: base must start with /")
		}
	}
	if c.Metrics.Resources.Interval < 0 {
		return errors.New("metrics: resources.interval must not be negative")
	}
	return nil
}

func validateHealthURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// SidecarSpec returns the launch spec. Env files and Env are layered in
// order, ${VAR} references expanded, and the result stored in Env.
func (c *Config) SidecarSpec() (process.Spec, error) {
	spec := c.Sidecar.Spec.DeepCopy()
	if len(c.Sidecar.EnvFiles) == 0 && len(spec.Env) == 0 {
		return spec, nil
	}
	e := env.New(nil)
	for _, p := range c.Sidecar.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return process.Spec{}, fmt.Errorf("sidecar env file %s: %w", p, err)
		}
		e.Apply(pairs)
	}
	spec.Env = e.Apply(spec.Env).Overrides()
	return spec, nil
}

// CaptureConfig returns the logger config for raw sidecar stream capture.
func (c *Config) CaptureConfig() logger.Config {
	return logger.Config{File: c.Sidecar.Capture}
}

// LockPath resolves the single-instance lock file location.
func (c *Config) LockPath() string {
	if c.Instance.LockPath != "" {
		return c.Instance.LockPath
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "dmxshell", DefaultLockName)
}

// LoadEnvFile parses a .env file with KEY=VALUE lines into "KEY=VALUE"
// entries in file order. Blank lines and lines starting with # are ignored;
// a later duplicate key replaces an earlier one.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var keys []string
	vals := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		if _, seen := vals[k]; !seen {
			keys = append(keys, k)
		}
		vals[k] = strings.TrimSpace(line[i+1:])
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vals[k])
	}
	return out, nil
}
