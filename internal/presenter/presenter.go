// Package presenter is the single consumer of the event bus. It keeps the
// tray, windows and notifications in step with the current backend
// generation and executes user commands.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/dmxshell/internal/event"
	"github.com/loykin/dmxshell/internal/process"
)

const (
	TooltipSpawning = "Desktop backend se spouští..."
	TooltipReady    = "Desktop backend běží"
	TooltipFailed   = "Desktop backend selhal"

	NotifyReadyTitle  = "Desktop backend připraven"
	NotifyReadyBody   = "Backend běží a je připraven."
	NotifyFailedTitle = "Desktop backend selhal"

	DialogSpawnTitle   = "Failed to start backend"
	DialogTimeoutTitle = "Backend startup failed"
)

// TooltipWaiting is the tooltip while attempt n of the health probe failed.
func TooltipWaiting(attempt int) string {
	return fmt.Sprintf("%s (pokus %d)", TooltipSpawning, attempt)
}

// UI is the presentation surface driven by the presenter.
type UI interface {
	SetTooltip(text string)
	ShowMainWindow()
	CloseSplash()
	Notify(title, body string)
	// Dialog shows a modal error and returns once it is dismissed.
	Dialog(title, message string)
	// Emit forwards an event to the frontend.
	Emit(name string, payload any)
	// Exit asks the application to terminate with code.
	Exit(code int)
}

// Backend is the part of the supervisor the presenter needs.
type Backend interface {
	Current() event.Generation
	Restart(ctx context.Context) (event.Generation, error)
	Process(gen event.Generation) (process.Status, bool)
	RunID(gen event.Generation) string
}

// Source delivers bus events.
type Source interface {
	Lifecycle() <-chan event.Lifecycle
	Logs() <-chan event.Log
}

// Status is a snapshot of what the presenter currently shows.
type Status struct {
	Generation event.Generation `json:"generation"`
	RunID      string           `json:"run_id,omitempty"`
	State      string           `json:"state"`
	Attempt    int              `json:"attempt"`
	Tooltip    string           `json:"tooltip"`
	LastError  string           `json:"last_error,omitempty"`
	PID        int              `json:"pid,omitempty"`
}

// ErrStopped is returned by Do when the presenter loop has exited.
var ErrStopped = errors.New("presenter stopped")

type request struct {
	cmd   Command
	reply chan result
}

type result struct {
	gen event.Generation
	err error
}

type Presenter struct {
	src     Source
	backend Backend
	ui      UI
	logger  *slog.Logger

	reqs    chan request
	stopped chan struct{}
	stop    sync.Once

	mu       sync.RWMutex
	status   Status
	notified event.Generation
	dialogs  sync.WaitGroup
}

func New(src Source, backend Backend, ui UI, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{
		src:     src,
		backend: backend,
		ui:      ui,
		logger:  logger,
		reqs:    make(chan request),
		stopped: make(chan struct{}),
		status:  Status{State: "idle"},
	}
}

// Run consumes events and commands until ctx is done or quit is requested.
func (p *Presenter) Run(ctx context.Context) error {
	defer p.stop.Do(func() { close(p.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.src.Lifecycle():
			p.applyLifecycle(ev)
		case l := <-p.src.Logs():
			p.applyLog(l)
		case req := <-p.reqs:
			if quit := p.handle(ctx, req); quit {
				return nil
			}
		}
	}
}

// Done is closed once Run has returned.
func (p *Presenter) Done() <-chan struct{} { return p.stopped }

// Do executes cmd on the presenter loop. Restart returns once the new
// generation has been spawned; the loop keeps consuming events meanwhile.
func (p *Presenter) Do(ctx context.Context, cmd Command) (event.Generation, error) {
	req := request{cmd: cmd, reply: make(chan result, 1)}
	select {
	case p.reqs <- req:
	case <-p.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.gen, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Status returns what the presenter currently shows.
func (p *Presenter) Status() Status {
	p.mu.RLock()
	st := p.status
	p.mu.RUnlock()
	if st.Generation != 0 {
		if ps, ok := p.backend.Process(st.Generation); ok {
			st.PID = ps.PID
		}
	}
	return st
}

// WaitDialogs blocks until all open dialogs have been dismissed.
func (p *Presenter) WaitDialogs() { p.dialogs.Wait() }

func (p *Presenter) handle(ctx context.Context, req request) (quit bool) {
	switch req.cmd {
	case CommandOpen:
		p.ui.ShowMainWindow()
	case CommandRunOnboarding:
		p.ui.Emit(event.KindOnboardingReset.FrontendName(), nil)
		p.ui.ShowMainWindow()
	case CommandRestart:
		// Restart emits on the bus this loop drains, so it must not run here.
		go func() {
			gen, err := p.backend.Restart(ctx)
			if err != nil && !process.IsSpawnError(err) {
				p.logger.Error("restart failed", "error", err)
			}
			req.reply <- result{gen: gen, err: err}
		}()
		return false
	case CommandQuit:
		p.logger.Info("quit requested")
		p.ui.Exit(0)
		req.reply <- result{gen: p.backend.Current()}
		return true
	default:
		req.reply <- result{err: fmt.Errorf("%w: %q", ErrUnknownCommand, string(req.cmd))}
		return false
	}
	req.reply <- result{gen: p.backend.Current()}
	return false
}

func (p *Presenter) applyLifecycle(ev event.Lifecycle) {
	if cur := p.backend.Current(); ev.Generation != cur {
		p.logger.Debug("dropping stale lifecycle event", "generation", ev.Generation, "current", cur, "kind", ev.Kind)
		return
	}
	switch ev.Kind {
	case event.KindSpawning:
		p.update(func(st *Status) {
			*st = Status{
				Generation: ev.Generation,
				RunID:      p.backend.RunID(ev.Generation),
				State:      "starting",
				Tooltip:    TooltipSpawning,
			}
		})
		p.ui.SetTooltip(TooltipSpawning)

	case event.KindWaiting:
		tip := TooltipWaiting(ev.Attempt)
		p.update(func(st *Status) {
			p.adopt(st, ev.Generation)
			st.State, st.Attempt, st.Tooltip = "waiting", ev.Attempt, tip
		})
		p.ui.SetTooltip(tip)
		p.ui.Emit(ev.Kind.FrontendName(), ev.Attempt)

	case event.KindReady:
		first := false
		p.update(func(st *Status) {
			p.adopt(st, ev.Generation)
			st.State, st.Attempt, st.Tooltip, st.LastError = "ready", ev.Attempt, TooltipReady, ""
			if p.notified != ev.Generation {
				p.notified, first = ev.Generation, true
			}
		})
		p.ui.CloseSplash()
		p.ui.ShowMainWindow()
		p.ui.Emit(ev.Kind.FrontendName(), ev.Attempt)
		p.ui.SetTooltip(TooltipReady)
		if first {
			p.ui.Notify(NotifyReadyTitle, NotifyReadyBody)
		}

	case event.KindError:
		p.update(func(st *Status) {
			p.adopt(st, ev.Generation)
			st.State, st.Tooltip, st.LastError = "failed", TooltipFailed, ev.Message
			if ev.Attempt > 0 {
				st.Attempt = ev.Attempt
			}
		})
		title := DialogTimeoutTitle
		if ev.Source == event.SourceSpawn {
			title = DialogSpawnTitle
		}
		p.logger.Error(title, "generation", ev.Generation, "message", ev.Message)
		p.dialogs.Add(1)
		go func() {
			defer p.dialogs.Done()
			p.ui.Dialog(title, ev.Message)
		}()
		p.ui.Emit(ev.Kind.FrontendName(), ev.Message)
		p.ui.SetTooltip(TooltipFailed)
		p.ui.Notify(NotifyFailedTitle, ev.Message)

	default:
		p.logger.Warn("unknown lifecycle event", "kind", ev.Kind)
	}
}

func (p *Presenter) applyLog(l event.Log) {
	if l.Generation != p.backend.Current() {
		return
	}
	p.ui.Emit(event.KindLog.FrontendName(), l.Line)
}

// adopt resets st when ev belongs to a generation the presenter has not seen
// a spawning event for, e.g. a spawn failure.
func (p *Presenter) adopt(st *Status, gen event.Generation) {
	if st.Generation != gen {
		*st = Status{Generation: gen, RunID: p.backend.RunID(gen)}
	}
}

func (p *Presenter) update(fn func(*Status)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}
