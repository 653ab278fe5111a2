//go:build !windows

package dmxshell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dmxshell/internal/presenter"
	"github.com/loykin/dmxshell/internal/server"
)

// healthServer answers 503 to the first fail requests and 200 afterwards.
func healthServer(t *testing.T, fail int32) *httptest.Server {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if n.Add(1) <= fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, healthURL, command string) *Config {
	t.Helper()
	c := DefaultConfig()
	c.Sidecar.Command = command
	c.Sidecar.StopTimeout = 500 * time.Millisecond
	c.Readiness.URL = healthURL
	c.Readiness.Interval = 10 * time.Millisecond
	c.Readiness.MaxAttempts = 20
	c.Readiness.RequestTimeout = time.Second
	c.Server.Enabled = false
	c.Instance.LockPath = filepath.Join(t.TempDir(), "dmxshell.lock")
	c.History.DSNs = []string{"sqlite://" + filepath.Join(t.TempDir(), "history.db")}
	return c
}

func startApp(t *testing.T, c *Config) (*App, <-chan error) {
	t.Helper()
	app, err := New(c, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()
	return app, done
}

func quit(t *testing.T, app *App, done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := app.Do(ctx, CommandQuit)
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, 0, <-app.Headless().Exited())
}

func TestApp_ReadyAfterRetries(t *testing.T) {
	health := healthServer(t, 3)
	app, done := startApp(t, testConfig(t, health.URL+"/healthz", "sh -c 'echo hello; sleep 30'"))

	require.Eventually(t, func() bool { return app.Status().State == "ready" }, 5*time.Second, 10*time.Millisecond)
	st := app.Status()
	assert.EqualValues(t, 1, st.Generation)
	assert.Equal(t, 4, st.Attempt)
	assert.NotZero(t, st.PID)

	h := app.Headless()
	require.Eventually(t, func() bool { return len(h.Notifications()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, presenter.TooltipReady, h.Tooltip())
	assert.True(t, h.WindowShown())
	assert.False(t, h.SplashOpen())
	assert.Equal(t, presenter.NotifyReadyTitle, h.Notifications()[0].Title)

	runs := app.Runs()
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Process)
	pid := runs[0].Process.PID

	quit(t, app, done)
	assert.Error(t, processAlive(pid), "sidecar still running after quit")
}

func TestApp_RestartProducesNewGeneration(t *testing.T) {
	health := healthServer(t, 0)
	c := testConfig(t, health.URL+"/healthz", "sleep 30")
	c.Sidecar.KillOnRestart = true
	app, done := startApp(t, c)

	require.Eventually(t, func() bool { return app.Status().State == "ready" }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gen, err := app.Do(ctx, CommandRestart)
	require.NoError(t, err)
	assert.EqualValues(t, 2, gen)

	require.Eventually(t, func() bool {
		st := app.Status()
		return st.Generation == 2 && st.State == "ready"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(app.Headless().Notifications()) == 2 }, time.Second, 10*time.Millisecond)

	quit(t, app, done)
}

func TestApp_MissingSidecarIsNotFatal(t *testing.T) {
	health := healthServer(t, 0)
	c := testConfig(t, health.URL+"/healthz", "")
	c.Sidecar.Name = "dmx-backend-missing"
	c.Sidecar.Dir = t.TempDir()
	app, done := startApp(t, c)

	require.Eventually(t, func() bool { return app.Status().State == "failed" }, 5*time.Second, 10*time.Millisecond)
	st := app.Status()
	assert.Contains(t, st.LastError, "sidecar not found")
	assert.Equal(t, presenter.TooltipFailed, app.Headless().Tooltip())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := app.Do(ctx, CommandRestart)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSidecarNotFound))

	quit(t, app, done)
}

func TestApp_SingleInstance(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1/healthz", "sleep 30")
	first, err := New(c, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer first.releaseLock()

	_, err = New(c, WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
}

func TestApp_ControlAPI(t *testing.T) {
	health := healthServer(t, 0)
	app, done := startApp(t, testConfig(t, health.URL+"/healthz", "sleep 30"))
	api := httptest.NewServer(app.Handler())
	defer api.Close()

	require.Eventually(t, func() bool { return app.Status().State == "ready" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(api.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body server.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body.Shell.State)
	require.Len(t, body.Runs, 1)

	resp2, err := http.Post(api.URL+"/api/commands/quit", "application/json", nil)
	require.NoError(t, err)
	_ = resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestParseCommandFacade(t *testing.T) {
	c, err := ParseCommand("restart")
	require.NoError(t, err)
	assert.Equal(t, CommandRestart, c)
	_, err = ParseCommand("nope")
	assert.True(t, errors.Is(err, ErrUnknownCommand))
}
