// Package supervisor spawns the backend sidecar, tracks generations and
// attaches the output relay and readiness prober to each one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/dmxshell/internal/event"
	"github.com/loykin/dmxshell/internal/history"
	"github.com/loykin/dmxshell/internal/logger"
	"github.com/loykin/dmxshell/internal/metrics"
	"github.com/loykin/dmxshell/internal/output"
	"github.com/loykin/dmxshell/internal/process"
	"github.com/loykin/dmxshell/internal/readiness"
)

// ErrShutdown is returned by Spawn and Restart after Shutdown.
var ErrShutdown = errors.New("supervisor is shut down")

const defaultStopTimeout = 3 * time.Second

type Config struct {
	Spec      process.Spec
	Readiness readiness.Config
	// Capture enables raw stdout/stderr capture files (File.Dir or the
	// explicit stream paths).
	Capture logger.Config
	// KillOnRestart terminates the superseded process on Restart instead of
	// abandoning it.
	KillOnRestart bool
	StopTimeout   time.Duration
}

// Emitter is the bus the supervisor and its tasks publish to.
type Emitter interface {
	event.LifecycleEmitter
	event.LogEmitter
}

type Option func(*Supervisor)

// WithChecker replaces the HTTP health check, mostly for tests.
func WithChecker(c readiness.Checker) Option { return func(s *Supervisor) { s.checker = c } }

// WithHistory records lifecycle events through r.
func WithHistory(r *history.Recorder) Option { return func(s *Supervisor) { s.history = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// Supervisor owns every spawned generation. Spawn and Restart are serialised;
// all other methods are safe for concurrent use.
type Supervisor struct {
	cfg     Config
	bus     Emitter
	logger  *slog.Logger
	checker readiness.Checker
	prober  *readiness.Prober
	history *history.Recorder

	base   context.Context
	cancel context.CancelFunc

	spawnMu sync.Mutex
	current atomic.Uint64

	mu     sync.Mutex
	arena  map[event.Generation]*run
	closed bool
	bg     sync.WaitGroup
}

func New(cfg Config, bus Emitter, opts ...Option) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	s := &Supervisor{
		cfg:   cfg,
		bus:   bus,
		arena: make(map[event.Generation]*run),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.prober = readiness.New(cfg.Readiness, s.checker, s.logger).WithObserver(probeMetrics{s})
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// Current returns the latest generation, 0 before the first spawn.
func (s *Supervisor) Current() event.Generation { return event.Generation(s.current.Load()) }

// Spawn starts a new generation of the sidecar. It returns as soon as the
// process is running; readiness is reported on the bus. A spawn failure is
// reported both as the returned *process.SpawnError and as a backend/error
// event for the new generation, and is never retried.
func (s *Supervisor) Spawn(ctx context.Context) (event.Generation, error) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrShutdown
	}
	prev := s.arena[s.Current()]
	s.mu.Unlock()

	gen := event.Generation(s.current.Add(1))
	metrics.SetGeneration(uint64(gen))
	r := newRun(gen, uuid.NewString())
	log := s.logger.With("generation", gen, "run_id", r.id)

	proc := process.New(gen, s.cfg.Spec)
	stdout, stderr, err := proc.Start()
	if err != nil {
		metrics.IncSpawn(false)
		log.Error("sidecar spawn failed", "error", err)
		r.finish()
		s.register(r)
		s.history.Record(history.Event{Type: history.EventSpawnFailed, Record: history.Record{
			RunID: r.id, Generation: uint64(gen), Name: s.cfg.Spec.DisplayName(), Message: err.Error(),
		}})
		if eerr := s.bus.EmitLifecycle(ctx, event.Lifecycle{
			Generation: gen,
			Kind:       event.KindError,
			Message:    err.Error(),
			Source:     event.SourceSpawn,
		}); eerr != nil {
			log.Warn("spawn error event not delivered", "error", eerr)
		}
		s.supersede(prev)
		return gen, err
	}

	r.proc = proc
	st := proc.Snapshot()
	metrics.IncSpawn(true)
	log.Info("sidecar spawned", "pid", st.PID, "path", st.Path)
	s.history.Record(history.Event{Type: history.EventSpawn, Record: s.record(r)})

	if err := s.bus.EmitLifecycle(ctx, event.Lifecycle{
		Generation: gen,
		Kind:       event.KindSpawning,
		PID:        st.PID,
	}); err != nil {
		log.Warn("spawning event not delivered", "error", err)
	}

	runCtx, cancel := context.WithCancel(s.base)
	r.cancel = cancel
	s.register(r)
	s.supersede(prev)

	r.wg.Add(2)
	go s.relay(r, stdout, stderr, log)
	go s.probe(runCtx, r, log)
	go func() {
		r.wg.Wait()
		cancel()
		r.finish()
		s.reap(r)
	}()
	return gen, nil
}

// Restart spawns a new generation that supersedes the current one. The old
// process is abandoned unless KillOnRestart is set; its events are ignored
// by consumers from now on.
func (s *Supervisor) Restart(ctx context.Context) (event.Generation, error) {
	metrics.IncRestart()
	s.logger.Info("restarting sidecar", "previous_generation", s.Current())
	return s.Spawn(ctx)
}

func (s *Supervisor) relay(r *run, stdout, stderr io.ReadCloser, log *slog.Logger) {
	defer r.wg.Done()
	name := s.cfg.Spec.DisplayName()
	outW, errW, err := s.cfg.Capture.ProcessWriters(name)
	if err != nil {
		log.Warn("sidecar capture files unavailable", "error", err)
	}
	opts := output.Options{Name: name, Logger: s.logger}
	if outW != nil {
		opts.Stdout = outW
		defer func() { _ = outW.Close() }()
	}
	if errW != nil {
		opts.Stderr = errW
		defer func() { _ = errW.Close() }()
	}

	output.New(s.bus, opts).Run(r.gen, stdout, stderr)

	waitErr := r.proc.Wait()
	current := s.Current() == r.gen
	metrics.IncExit(current)
	if current {
		log.Warn("sidecar exited", "error", waitErr)
	} else {
		log.Info("superseded sidecar exited", "error", waitErr)
	}
	s.history.Record(history.Event{Type: history.EventExit, Record: s.record(r)})
}

func (s *Supervisor) probe(ctx context.Context, r *run, log *slog.Logger) {
	defer r.wg.Done()
	res := s.prober.Run(ctx, r.gen, s.bus)
	r.setReadiness(res.State)

	terminal := res.State.Phase == readiness.PhaseReady || errors.Is(res.Err, readiness.ErrTimeout)
	if terminal && s.Current() != r.gen {
		log.Debug("superseded readiness outcome not recorded", "phase", res.State.Phase)
		return
	}
	rec := s.record(r)
	rec.Attempt = res.State.Attempt
	switch {
	case res.State.Phase == readiness.PhaseReady:
		s.history.Record(history.Event{Type: history.EventReady, Record: rec})
	case errors.Is(res.Err, readiness.ErrTimeout):
		rec.Message = res.State.Reason
		s.history.Record(history.Event{Type: history.EventTimeout, Record: rec})
	case res.Err != nil:
		log.Debug("readiness probe stopped", "error", res.Err)
	}
}

// probeMetrics exports readiness progress of the current generation only.
type probeMetrics struct{ s *Supervisor }

func (m probeMetrics) ProbeAttempt(gen event.Generation, ok bool, took time.Duration) {
	if m.s.Current() == gen {
		metrics.ObserveProbe(ok, took)
	}
}

func (m probeMetrics) StateChanged(gen event.Generation, st readiness.State, elapsed time.Duration) {
	if m.s.Current() != gen {
		return
	}
	metrics.SetReadinessState(st.Phase.String())
	switch st.Phase {
	case readiness.PhaseReady:
		metrics.IncReadinessOutcome("ready")
		metrics.ObserveTimeToReady(elapsed)
	case readiness.PhaseFailed:
		metrics.IncReadinessOutcome("timeout")
	}
}

func (s *Supervisor) register(r *run) {
	s.mu.Lock()
	s.arena[r.gen] = r
	s.mu.Unlock()
}

// supersede handles the generation replaced by a new spawn.
func (s *Supervisor) supersede(prev *run) {
	if prev == nil {
		return
	}
	if prev.isDone() {
		s.drop(prev)
		return
	}
	if !s.cfg.KillOnRestart || prev.proc == nil {
		return
	}
	if prev.cancel != nil {
		prev.cancel()
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := prev.proc.Terminate(s.cfg.StopTimeout); err != nil {
			s.logger.Warn("terminate superseded sidecar", "generation", prev.gen, "error", err)
		}
	}()
}

// reap drops a finished generation from the arena unless it is current.
func (s *Supervisor) reap(r *run) {
	if s.Current() != r.gen {
		s.drop(r)
	}
}

func (s *Supervisor) drop(r *run) {
	s.mu.Lock()
	if s.arena[r.gen] == r {
		delete(s.arena, r.gen)
	}
	s.mu.Unlock()
}

func (s *Supervisor) lookup(gen event.Generation) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena[gen]
}

func (s *Supervisor) record(r *run) history.Record {
	rec := history.Record{RunID: r.id, Generation: uint64(r.gen), Name: s.cfg.Spec.DisplayName()}
	if r.proc != nil {
		st := r.proc.Snapshot()
		rec.PID = st.PID
		rec.StartedAt = st.StartedAt
		rec.ExitedAt = st.ExitedAt
		rec.ExitErr = st.ExitErr
	}
	return rec
}

// Status describes one generation.
type Status struct {
	Generation event.Generation `json:"generation"`
	RunID      string           `json:"run_id"`
	Process    *process.Status  `json:"process,omitempty"`
	Readiness  readiness.State  `json:"readiness"`
	Finished   bool             `json:"finished"`
}

// Status returns the status of gen while it is still tracked.
func (s *Supervisor) Status(gen event.Generation) (Status, bool) {
	r := s.lookup(gen)
	if r == nil {
		return Status{}, false
	}
	st := Status{Generation: r.gen, RunID: r.id, Readiness: r.readinessState(), Finished: r.isDone()}
	if r.proc != nil {
		ps := r.proc.Snapshot()
		st.Process = &ps
	}
	return st, true
}

// Process returns the process status of gen.
func (s *Supervisor) Process(gen event.Generation) (process.Status, bool) {
	st, ok := s.Status(gen)
	if !ok || st.Process == nil {
		return process.Status{}, false
	}
	return *st.Process, true
}

// RunID returns the unique run identifier of gen, or "" when unknown.
func (s *Supervisor) RunID(gen event.Generation) string {
	if r := s.lookup(gen); r != nil {
		return r.id
	}
	return ""
}

// CurrentPID reports the current generation and its PID, 0 when it is not
// running.
func (s *Supervisor) CurrentPID() (uint64, int32) {
	gen := s.Current()
	st, ok := s.Process(gen)
	if !ok || st.State != process.StateRunning.String() {
		return uint64(gen), 0
	}
	return uint64(gen), int32(st.PID)
}

// Generations lists the generations still tracked.
func (s *Supervisor) Generations() []event.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Generation, 0, len(s.arena))
	for g := range s.arena {
		out = append(out, g)
	}
	return out
}

// Wait blocks until every task of gen has finished or ctx is done. Unknown
// generations have nothing to wait for.
func (s *Supervisor) Wait(ctx context.Context, gen event.Generation) error {
	r := s.lookup(gen)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting spawns, cancels all probers, terminates every
// tracked sidecar and waits for their tasks.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.spawnMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.spawnMu.Unlock()
		return nil
	}
	s.closed = true
	runs := make([]*run, 0, len(s.arena))
	for _, r := range s.arena {
		runs = append(runs, r)
	}
	s.mu.Unlock()
	s.spawnMu.Unlock()

	s.cancel()
	var errs []error
	var wg sync.WaitGroup
	for _, r := range runs {
		if r.proc == nil {
			continue
		}
		wg.Add(1)
		go func(r *run) {
			defer wg.Done()
			if err := r.proc.Terminate(s.cfg.StopTimeout); err != nil {
				s.logger.Warn("terminate sidecar", "generation", r.gen, "error", err)
			}
		}(r)
	}
	wg.Wait()

	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("generation %d: %w", r.gen, ctx.Err()))
		}
	}
	s.bg.Wait()
	s.logger.Info("sidecar supervisor stopped", "generations", len(runs))
	return errors.Join(errs...)
}
