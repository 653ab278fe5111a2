package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/dmxshell/internal/event"
)

// State is the OS-level lifecycle of one spawned sidecar.
type State int32

const (
	StateSpawned State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Status is a point-in-time copy of a BackendProcess.
type Status struct {
	Generation event.Generation `json:"generation"`
	Name       string           `json:"name"`
	Path       string           `json:"path,omitempty"`
	PID        int              `json:"pid"`
	State      string           `json:"state"`
	StartedAt  time.Time        `json:"started_at"`
	ExitedAt   time.Time        `json:"exited_at"`
	ExitErr    string           `json:"exit_error,omitempty"`
}

// BackendProcess is one spawned sidecar, owned by the supervisor and keyed by
// its generation. Stdout and stderr are exposed as pipes; Wait must only be
// called once both have been drained.
type BackendProcess struct {
	gen  event.Generation
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	path      string
	state     State
	startedAt time.Time
	exitedAt  time.Time
	exitErr   error
	done      chan struct{}
}

func New(gen event.Generation, spec Spec) *BackendProcess {
	return &BackendProcess{
		gen:   gen,
		spec:  spec.DeepCopy(),
		state: StateSpawned,
		done:  make(chan struct{}),
	}
}

func (p *BackendProcess) Generation() event.Generation { return p.gen }

// Start resolves the executable and launches it. Any failure is returned as a
// *SpawnError and leaves the process in StateSpawned.
func (p *BackendProcess) Start() (stdout, stderr io.ReadCloser, err error) {
	name := p.spec.DisplayName()
	path, err := p.spec.Resolve()
	if err != nil {
		return nil, nil, &SpawnError{Name: name, Err: err}
	}
	cmd := p.spec.BuildCommand(path)
	stdout, stderr, err = openPipes(cmd)
	if err != nil {
		return nil, nil, &SpawnError{Name: name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, &SpawnError{Name: name, Err: err}
	}

	p.mu.Lock()
	p.cmd = cmd
	p.path = path
	p.state = StateRunning
	p.startedAt = time.Now()
	p.mu.Unlock()
	return stdout, stderr, nil
}

// openPipes attaches stdout and stderr pipes to cmd. Nothing stays open when
// it fails.
func openPipes(cmd *exec.Cmd) (stdout, stderr io.ReadCloser, err error) {
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return stdout, stderr, nil
}

// Wait reaps the process and records its exit.
func (p *BackendProcess) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return errors.New("process not started")
	}
	err := cmd.Wait()

	p.mu.Lock()
	p.state = StateExited
	p.exitedAt = time.Now()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
	return err
}

// Done is closed once Wait has reaped the process.
func (p *BackendProcess) Done() <-chan struct{} { return p.done }

func (p *BackendProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning
}

// Terminate asks the process to exit and kills it if it is still running
// after grace. It returns once the process has been reaped or shortly after
// the kill when nobody is waiting on it.
func (p *BackendProcess) Terminate(grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	running := p.state == StateRunning
	p.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := terminate(cmd); err != nil {
		return fmt.Errorf("terminate pid %d: %w", cmd.Process.Pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := kill(cmd); err != nil {
		return fmt.Errorf("kill pid %d: %w", cmd.Process.Pid, err)
	}
	select {
	case <-p.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return nil
}

// Snapshot returns a copy of the current status.
func (p *BackendProcess) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Generation: p.gen,
		Name:       p.spec.DisplayName(),
		Path:       p.path,
		State:      p.state.String(),
		StartedAt:  p.startedAt,
		ExitedAt:   p.exitedAt,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		st.PID = p.cmd.Process.Pid
	}
	if p.exitErr != nil {
		st.ExitErr = p.exitErr.Error()
	}
	return st
}
