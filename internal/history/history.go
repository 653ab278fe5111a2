package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn       EventType = "spawn"
	EventSpawnFailed EventType = "spawn_failed"
	EventReady       EventType = "ready"
	EventTimeout     EventType = "timeout"
	EventExit        EventType = "exit"
)

// Record describes one sidecar generation at the time of an event.
type Record struct {
	RunID      string    `json:"run_id"`
	Generation uint64    `json:"generation"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	ExitedAt   time.Time `json:"exited_at,omitempty"`
	ExitErr    string    `json:"exit_err,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Recorder delivers events to its sinks from a background goroutine so that
// slow or unreachable sinks never hold up the supervisor.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	queue chan Event
	done  chan struct{}
	mu    sync.RWMutex
	close sync.Once
	shut  bool
}

// NewRecorder starts a recorder for sinks. A recorder without sinks accepts
// and discards events.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		logger:  logger,
		timeout: defaultSendTimeout,
		queue:   make(chan Event, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues e. It returns false when the queue is full or the recorder
// has been closed.
func (r *Recorder) Record(e Event) bool {
	if r == nil {
		return false
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.shut {
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
		r.logger.Warn("history queue full, dropping event", "type", e.Type, "generation", e.Record.Generation)
		return false
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "type", e.Type, "generation", e.Record.Generation, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events, waits at most until ctx is done, and closes
// every sink implementing io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.close.Do(func() {
		r.mu.Lock()
		r.shut = true
		close(r.queue)
		r.mu.Unlock()
	})
	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
