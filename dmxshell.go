// Package dmxshell is the embeddable desktop-shell runtime for the dmx
// backend sidecar: it spawns the sidecar, waits for it to become healthy,
// relays its output and keeps the UI in step with the current generation.
package dmxshell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/dmxshell/internal/config"
	"github.com/loykin/dmxshell/internal/event"
	"github.com/loykin/dmxshell/internal/history"
	"github.com/loykin/dmxshell/internal/history/factory"
	"github.com/loykin/dmxshell/internal/instance"
	"github.com/loykin/dmxshell/internal/metrics"
	"github.com/loykin/dmxshell/internal/presenter"
	"github.com/loykin/dmxshell/internal/process"
	"github.com/loykin/dmxshell/internal/readiness"
	"github.com/loykin/dmxshell/internal/server"
	"github.com/loykin/dmxshell/internal/supervisor"
	"github.com/loykin/dmxshell/internal/ui"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Command = presenter.Command

type Status = presenter.Status

type RunStatus = supervisor.Status

type UI = presenter.UI

type Generation = event.Generation

const (
	CommandOpen          = presenter.CommandOpen
	CommandRestart       = presenter.CommandRestart
	CommandRunOnboarding = presenter.CommandRunOnboarding
	CommandQuit          = presenter.CommandQuit
)

var (
	ErrAlreadyRunning  = instance.ErrAlreadyRunning
	ErrSidecarNotFound = process.ErrSidecarNotFound
	ErrUnknownCommand  = presenter.ErrUnknownCommand
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

func ParseCommand(s string) (Command, error) { return presenter.ParseCommand(s) }

type Option func(*options)

type options struct {
	ui         UI
	logger     *slog.Logger
	checker    readiness.Checker
	registerer prometheus.Registerer
}

// WithUI replaces the headless UI, e.g. with a native tray binding.
func WithUI(u UI) Option { return func(o *options) { o.ui = u } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithChecker replaces the HTTP health check.
func WithChecker(c readiness.Checker) Option { return func(o *options) { o.checker = c } }

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// App owns every component of a running shell.
type App struct {
	cfg    *Config
	logger *slog.Logger

	lock      *instance.Lock
	bus       *event.Bus
	history   *history.Recorder
	sup       *supervisor.Supervisor
	presenter *presenter.Presenter
	ui        UI
	headless  *ui.Headless
	sampler   *metrics.ResourceSampler
	srv       *http.Server
}

// New wires an App from c. It takes the single-instance lock unless
// disabled, so a second App for the same lock fails with ErrAlreadyRunning.
func New(c *Config, opts ...Option) (*App, error) {
	if c == nil {
		c = cfg.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{logger: slog.Default(), registerer: prometheus.DefaultRegisterer}
	for _, fn := range opts {
		fn(&o)
	}
	spec, err := c.SidecarSpec()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: c, logger: o.logger}
	if !c.Instance.Disabled {
		if a.lock, err = instance.Acquire(c.LockPath()); err != nil {
			return nil, err
		}
	}

	sampler := metrics.NewResourceSampler(c.Metrics.Resources, o.logger)
	if c.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			a.releaseLock()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if err := sampler.RegisterMetrics(o.registerer); err != nil {
			a.releaseLock()
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
	}
	a.sampler = sampler

	sinks, err := factory.NewSinksFromDSNs(c.History.DSNs)
	if err != nil {
		a.releaseLock()
		return nil, fmt.Errorf("history: %w", err)
	}
	a.history = history.NewRecorder(o.logger.With("component", "history"), sinks...)

	a.bus = event.NewBus(0, 0)
	supOpts := []supervisor.Option{
		supervisor.WithLogger(o.logger),
		supervisor.WithHistory(a.history),
	}
	if o.checker != nil {
		supOpts = append(supOpts, supervisor.WithChecker(o.checker))
	}
	a.sup = supervisor.New(supervisor.Config{
		Spec:          spec,
		Readiness:     c.Readiness,
		Capture:       c.CaptureConfig(),
		KillOnRestart: c.Sidecar.KillOnRestart,
		StopTimeout:   c.Sidecar.StopTimeout,
	}, a.bus, supOpts...)

	a.ui = o.ui
	if a.ui == nil {
		a.headless = ui.NewHeadless(o.logger)
		a.ui = a.headless
	}
	a.presenter = presenter.New(a.bus, a.sup, a.ui, o.logger.With("component", "presenter"))
	return a, nil
}

// Handler returns the control API.
func (a *App) Handler() http.Handler {
	var effects server.Effects
	if e, ok := a.ui.(server.Effects); ok {
		effects = e
	}
	return server.NewRouter(a.presenter, a.sup, effects, a.cfg.Server.Base, a.logger).Handler()
}

// Run spawns the first generation and serves until ctx is done or quit is
// requested. A spawn failure is not fatal: it is shown to the user and a
// restart can be requested.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	presErr := make(chan error, 1)
	go func() { presErr <- a.presenter.Run(ctx) }()

	if a.cfg.Server.Enabled {
		a.srv = server.NewServer(a.cfg.Server.Listen, a.Handler(), a.logger)
		a.logger.Info("control API listening", "addr", a.cfg.Server.Listen, "base", a.cfg.Server.Base)
	}
	a.sampler.Start(ctx, a.sup.CurrentPID)

	gen, err := a.sup.Spawn(ctx)
	switch {
	case err == nil:
		a.logger.Info("sidecar spawned", "generation", gen)
	case process.IsSpawnError(err):
		a.logger.Error("sidecar spawn failed", "generation", gen, "error", err)
	default:
		cancel()
		<-presErr
		return errors.Join(err, a.shutdown())
	}

	var runErr error
	select {
	case runErr = <-presErr:
	case <-ctx.Done():
		<-presErr
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, a.shutdown())
}

// Do executes a command as if it came from the tray menu.
func (a *App) Do(ctx context.Context, cmd Command) (Generation, error) {
	return a.presenter.Do(ctx, cmd)
}

func (a *App) Status() Status { return a.presenter.Status() }

// Runs returns every generation the supervisor still tracks.
func (a *App) Runs() []RunStatus {
	var out []RunStatus
	for _, g := range a.sup.Generations() {
		if st, ok := a.sup.Status(g); ok {
			out = append(out, st)
		}
	}
	return out
}

// Headless returns the built-in UI, or nil when WithUI was used.
func (a *App) Headless() *ui.Headless { return a.headless }

func (a *App) shutdown() error {
	timeout := a.cfg.Sidecar.StopTimeout + 2*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, fmt.Errorf("control API: %w", err))
		}
	}
	a.sampler.Stop()
	if err := a.sup.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	a.bus.Close()
	if err := a.history.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("history: %w", err))
	}
	a.releaseLock()
	return errors.Join(errs...)
}

func (a *App) releaseLock() {
	if err := a.lock.Release(); err != nil {
		a.logger.Warn("release instance lock", "error", err)
	}
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
