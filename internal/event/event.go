package event

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// Generation identifies one spawn/restart cycle of the sidecar.
// Generations start at 1; zero means nothing has been spawned yet.
type Generation uint64

func (g Generation) String() string { return strconv.FormatUint(uint64(g), 10) }

// Kind names an event category. The values double as frontend event names
// once prefixed (see FrontendName).
type Kind string

const (
	KindSpawning        Kind = "backend/spawning"
	KindWaiting         Kind = "backend/waiting"
	KindReady           Kind = "backend/ready"
	KindError           Kind = "backend/error"
	KindLog             Kind = "log"
	KindOnboardingReset Kind = "onboarding/reset"
)

// FrontendName returns the name under which the event is delivered to the
// window frontend.
func (k Kind) FrontendName() string {
	if k == KindLog {
		return "dmx-backend://log"
	}
	return "desktop://" + string(k)
}

// Source tells which component produced a backend/error event.
type Source string

const (
	SourceSpawn     Source = "spawn"
	SourceReadiness Source = "readiness"
)

// Lifecycle is a backend lifecycle transition. Attempt is set for waiting and
// ready events, Message and Source for error events, PID for spawning.
type Lifecycle struct {
	Generation Generation `json:"generation"`
	Kind       Kind       `json:"kind"`
	Attempt    int        `json:"attempt,omitempty"`
	Message    string     `json:"message,omitempty"`
	Source     Source     `json:"source,omitempty"`
	PID        int        `json:"pid,omitempty"`
}

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogLine is one line of sidecar output.
type LogLine struct {
	Stream Stream `json:"stream"`
	Text   string `json:"text"`
}

// Log is a LogLine tagged with the generation that produced it.
type Log struct {
	Generation Generation
	Line       LogLine
}

// ErrClosed is returned by emitters once the bus has been closed.
var ErrClosed = errors.New("event bus closed")

// LifecycleEmitter is implemented by anything that accepts lifecycle events.
type LifecycleEmitter interface {
	EmitLifecycle(ctx context.Context, ev Lifecycle) error
}

// LogEmitter accepts log lines without blocking; it reports whether the
// line was queued.
type LogEmitter interface {
	EmitLog(ev Log) bool
}

// Bus carries events from the supervisor, prober and output relay to the
// presenter. Each category has its own channel; the presenter is the only
// reader. Channels are never closed because they have many writers; Close
// releases blocked writers instead.
type Bus struct {
	lifecycle chan Lifecycle
	logs      chan Log

	done chan struct{}
	once sync.Once
}

const (
	DefaultLifecycleBuffer = 128
	DefaultLogBuffer       = 1024
)

func NewBus(lifecycleBuffer, logBuffer int) *Bus {
	if lifecycleBuffer <= 0 {
		lifecycleBuffer = DefaultLifecycleBuffer
	}
	if logBuffer <= 0 {
		logBuffer = DefaultLogBuffer
	}
	return &Bus{
		lifecycle: make(chan Lifecycle, lifecycleBuffer),
		logs:      make(chan Log, logBuffer),
		done:      make(chan struct{}),
	}
}

// EmitLifecycle queues ev, blocking while the channel is full. Events from a
// single producer are delivered in the order they were emitted.
func (b *Bus) EmitLifecycle(ctx context.Context, ev Lifecycle) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.lifecycle <- ev:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitLog queues ev if there is room and drops it otherwise.
func (b *Bus) EmitLog(ev Log) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.logs <- ev:
		return true
	default:
		return false
	}
}

func (b *Bus) Lifecycle() <-chan Lifecycle { return b.lifecycle }
func (b *Bus) Logs() <-chan Log            { return b.logs }
func (b *Bus) Done() <-chan struct{}       { return b.done }

// Close unblocks pending and future emitters. It is safe to call repeatedly.
func (b *Bus) Close() { b.once.Do(func() { close(b.done) }) }
