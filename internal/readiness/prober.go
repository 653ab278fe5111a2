// Package readiness polls the sidecar's health endpoint until it answers or
// the attempt budget is exhausted.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/dmxshell/internal/event"
)

const (
	DefaultURL            = "http://127.0.0.1:8080/healthz"
	DefaultInterval       = 500 * time.Millisecond
	DefaultMaxAttempts    = 60
	DefaultRequestTimeout = 2 * time.Second
)

// ErrTimeout reports that the attempt budget was exhausted.
var ErrTimeout = errors.New("backend readiness timed out")

// TimeoutMessage is the user-facing message for a readiness timeout.
func TimeoutMessage(url string) string {
	return fmt.Sprintf("Backend did not respond on %s.\nCheck dmx-backend logs or restart the desktop app.", url)
}

type Config struct {
	URL            string        `mapstructure:"url"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func DefaultConfig() Config {
	return Config{
		URL:            DefaultURL,
		Interval:       DefaultInterval,
		MaxAttempts:    DefaultMaxAttempts,
		RequestTimeout: DefaultRequestTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Result is the terminal outcome of a probe run.
type Result struct {
	State State
	// Err is nil when ready, wraps ErrTimeout on budget exhaustion and
	// carries the context error when the run was cancelled.
	Err error
}

// Observer is told about every probe attempt and state change of a run.
// Calls come from the probing goroutine, in order.
type Observer interface {
	ProbeAttempt(gen event.Generation, ok bool, took time.Duration)
	// StateChanged reports the new state and the time since the run started.
	StateChanged(gen event.Generation, st State, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ProbeAttempt(event.Generation, bool, time.Duration)  {}
func (nopObserver) StateChanged(event.Generation, State, time.Duration) {}

// Prober runs the readiness state machine for one generation at a time.
// A Prober is stateless between runs and safe for concurrent use.
type Prober struct {
	cfg     Config
	checker Checker
	logger  *slog.Logger
	obs     Observer
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a Prober. A nil checker probes cfg.URL over HTTP.
func New(cfg Config, checker Checker, logger *slog.Logger) *Prober {
	cfg = cfg.withDefaults()
	if checker == nil {
		checker = NewHTTPChecker(cfg.URL, cfg.RequestTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{cfg: cfg, checker: checker, logger: logger, obs: nopObserver{}, sleep: sleepCtx}
}

// WithObserver returns a copy of p that reports to o.
func (p *Prober) WithObserver(o Observer) *Prober {
	cp := *p
	if o == nil {
		o = nopObserver{}
	}
	cp.obs = o
	return &cp
}

func (p *Prober) Config() Config { return p.cfg }

// Run probes until the first success or until MaxAttempts failures, emitting
// Waiting(n) per failure and exactly one terminal Ready or Error event. A
// cancelled run stops without a terminal event.
func (p *Prober) Run(ctx context.Context, gen event.Generation, emit event.LifecycleEmitter) Result {
	log := p.logger.With("generation", gen, "url", p.cfg.URL)
	state := Starting()
	started := time.Now()
	p.obs.StateChanged(gen, state, 0)

	advance := func(next State) {
		s, err := state.Next(next)
		if err != nil {
			// unreachable with the loop below
			log.Error("illegal readiness transition", "error", err)
			return
		}
		state = s
		p.obs.StateChanged(gen, state, time.Since(started))
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{State: state, Err: err}
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		t0 := time.Now()
		err := p.checker.Check(reqCtx)
		cancel()
		p.obs.ProbeAttempt(gen, err == nil, time.Since(t0))

		if err == nil {
			advance(Ready(attempt))
			log.Info("backend ready", "attempt", attempt)
			if eerr := emit.EmitLifecycle(ctx, event.Lifecycle{
				Generation: gen,
				Kind:       event.KindReady,
				Attempt:    attempt,
				Source:     event.SourceReadiness,
			}); eerr != nil {
				return Result{State: state, Err: eerr}
			}
			return Result{State: state}
		}
		if ctx.Err() != nil {
			return Result{State: state, Err: ctx.Err()}
		}

		log.Debug("backend not ready", "attempt", attempt, "error", err)
		advance(Waiting(attempt))
		if eerr := emit.EmitLifecycle(ctx, event.Lifecycle{
			Generation: gen,
			Kind:       event.KindWaiting,
			Attempt:    attempt,
			Source:     event.SourceReadiness,
		}); eerr != nil {
			return Result{State: state, Err: eerr}
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return Result{State: state, Err: err}
		}
	}

	msg := TimeoutMessage(p.cfg.URL)
	advance(Failed(state.Attempt, msg))
	log.Warn("backend readiness timed out", "attempts", p.cfg.MaxAttempts)
	if eerr := emit.EmitLifecycle(ctx, event.Lifecycle{
		Generation: gen,
		Kind:       event.KindError,
		Attempt:    state.Attempt,
		Message:    msg,
		Source:     event.SourceReadiness,
	}); eerr != nil {
		return Result{State: state, Err: eerr}
	}
	return Result{State: state, Err: fmt.Errorf("%w after %d attempts", ErrTimeout, p.cfg.MaxAttempts)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
