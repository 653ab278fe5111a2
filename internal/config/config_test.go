package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dmx-backend", cfg.Sidecar.Name)
	assert.Equal(t, "http://127.0.0.1:8080/healthz", cfg.Readiness.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.Readiness.Interval)
	assert.Equal(t, 60, cfg.Readiness.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Readiness.RequestTimeout)
	assert.Equal(t, DefaultStopTimeout, cfg.Sidecar.StopTimeout)
	assert.False(t, cfg.Sidecar.KillOnRestart)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "/api", cfg.Server.Base)
	assert.Empty(t, cfg.History.DSNs)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_TOML(t *testing.T) {
	p := writeFile(t, "dmxshell.toml", `
[sidecar]
name = "dmx-backend"
dir = "/opt/dmx/bin"
args = ["--port", "8080"]
env = ["RUST_LOG=info"]
kill_on_restart = true
stop_timeout = "5s"

[sidecar.capture]
dir = "/var/log/dmx"

[readiness]
url = "http://127.0.0.1:9090/healthz"
interval = "250ms"
max_attempts = 10
request_timeout = "1s"

[log]
level = "debug"
format = "json"

[history]
dsns = ["sqlite:///tmp/h.db", "mqtt://localhost:1883"]

[server]
listen = "127.0.0.1:9999"

[metrics.resources]
enabled = true
interval = "2s"

[instance]
lock_path = "/tmp/dmx.lock"
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "/opt/dmx/bin", cfg.Sidecar.Dir)
	assert.Equal(t, []string{"--port", "8080"}, cfg.Sidecar.Args)
	assert.Equal(t, []string{"RUST_LOG=info"}, cfg.Sidecar.Env)
	assert.True(t, cfg.Sidecar.KillOnRestart)
	assert.Equal(t, 5*time.Second, cfg.Sidecar.StopTimeout)
	assert.Equal(t, "/var/log/dmx", cfg.CaptureConfig().File.Dir)

	assert.Equal(t, "http://127.0.0.1:9090/healthz", cfg.Readiness.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Readiness.Interval)
	assert.Equal(t, 10, cfg.Readiness.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Readiness.RequestTimeout)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"sqlite:///tmp/h.db", "mqtt://localhost:1883"}, cfg.History.DSNs)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	assert.True(t, cfg.Metrics.Resources.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Metrics.Resources.Interval)
	assert.Equal(t, "/tmp/dmx.lock", cfg.LockPath())
}

func TestLoad_YAML(t *testing.T) {
	p := writeFile(t, "dmxshell.yaml", `
sidecar:
  command: "python -m dmx_backend"
readiness:
  max_attempts: 3
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "python -m dmx_backend", cfg.Sidecar.Command)
	assert.Equal(t, 3, cfg.Readiness.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Readiness.Interval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeFile(t, "c.toml", "[readiness]\nmax_attempts = 10\n")
	t.Setenv("DMXSHELL_READINESS_MAX_ATTEMPTS", "7")
	t.Setenv("DMXSHELL_READINESS_URL", "http://localhost:1234/ready")
	t.Setenv("DMXSHELL_SIDECAR_KILL_ON_RESTART", "true")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Readiness.MaxAttempts)
	assert.Equal(t, "http://localhost:1234/ready", cfg.Readiness.URL)
	assert.True(t, cfg.Sidecar.KillOnRestart)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero interval":      func(c *Config) { c.Readiness.Interval = 0 },
		"zero attempts":      func(c *Config) { c.Readiness.MaxAttempts = 0 },
		"negative timeout":   func(c *Config) { c.Readiness.RequestTimeout = -time.Second },
		"ftp url":            func(c *Config) { c.Readiness.URL = "ftp://127.0.0.1/healthz" },
		"no host":            func(c *Config) { c.Readiness.URL = "http:///healthz" },
		"bad url":            func(c *Config) { c.Readiness.URL = "http://[::1" },
		"empty dsn":          func(c *Config) { c.History.DSNs = []string{" "} },
		"no listen":          func(c *Config) { c.Server.Listen = "" },
		"relative base":      func(c *Config) { c.Server.Base = "api" },
		"path and command":   func(c *Config) { c.Sidecar.Path = "/bin/x"; c.Sidecar.Command = "x" },
		"name with sep":      func(c *Config) { c.Sidecar.Name = "bin/dmx" },
		"negative stop":      func(c *Config) { c.Sidecar.StopTimeout = -1 },
		"negative resources": func(c *Config) { c.Metrics.Resources.Interval = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
	require.NoError(t, Default().Validate())

	c := Default()
	c.Server.Enabled = false
	c.Server.Listen = ""
	assert.NoError(t, c.Validate())
}

func TestLoadEnvFile(t *testing.T) {
	p := writeFile(t, ".env", "A=1\n#comment\n\nB = two\nnot-a-pair\nA=3\n")
	pairs, err := LoadEnvFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=3", "B=two"}, pairs)

	_, err = LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestSidecarSpec_MergesEnvFiles(t *testing.T) {
	t.Setenv("DMXSHELL_TEST_DATA", "/srv/dmx")
	p := writeFile(t, "backend.env", "DB_URL=sqlite://${DMXSHELL_TEST_DATA}/db\nRUST_LOG=warn\n")
	c := Default()
	c.Sidecar.Env = []string{"RUST_LOG=debug"}
	c.Sidecar.EnvFiles = []string{p}

	spec, err := c.SidecarSpec()
	require.NoError(t, err)
	assert.Equal(t, []string{"DB_URL=sqlite:///srv/dmx/db", "RUST_LOG=debug"}, spec.Env)
	assert.Equal(t, []string{"RUST_LOG=debug"}, c.Sidecar.Env)

	c.Sidecar.EnvFiles = []string{filepath.Join(t.TempDir(), "missing")}
	_, err = c.SidecarSpec()
	assert.Error(t, err)
}

func TestLockPath_Default(t *testing.T) {
	c := Default()
	assert.Equal(t, DefaultLockName, filepath.Base(c.LockPath()))
}

func FuzzLoadEnvFile(f *testing.F) {
	f.Add("A=1\nB=2\n")
	f.Add("# only comment\n=novalue\n")
	f.Add("X==y\r\n")
	f.Fuzz(func(t *testing.T, data string) {
		p := filepath.Join(t.TempDir(), "fuzz.env")
		if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
			t.Skip()
		}
		pairs, err := LoadEnvFile(p)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		for _, kv := range pairs {
			if len(kv) == 0 || kv[0] == '=' {
				t.Fatalf("bad pair %q", kv)
			}
		}
	})
}
