package supervisor

import (
	"context"
	"sync"

	"github.com/loykin/dmxshell/internal/event"
	"github.com/loykin/dmxshell/internal/process"
	"github.com/loykin/dmxshell/internal/readiness"
)

// run is the arena entry for one generation. proc is nil when the spawn
// failed, in which case no tasks were started and done is already closed.
type run struct {
	gen    event.Generation
	id     string
	proc   *process.BackendProcess
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state readiness.State

	once sync.Once
	done chan struct{}
}

func newRun(gen event.Generation, id string) *run {
	return &run{gen: gen, id: id, state: readiness.Starting(), done: make(chan struct{})}
}

func (r *run) finish() { r.once.Do(func() { close(r.done) }) }

func (r *run) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) setReadiness(st readiness.State) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

func (r *run) readinessState() readiness.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
