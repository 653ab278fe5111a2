// Package output drains the sidecar's stdout and stderr, forwarding each line
// to the event bus and to a local sink.
package output

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/dmxshell/internal/event"
	"github.com/loykin/dmxshell/internal/metrics"
)

// MaxLineBytes is the longest line the relay forwards. Longer lines are cut
// at the limit and the remainder up to the next newline is discarded.
const MaxLineBytes = 1 << 20

// Options configure a Relay.
type Options struct {
	// Name prefixes each line in the structured log, "[<name>] <line>".
	Name   string
	Logger *slog.Logger
	// Stdout and Stderr optionally receive a raw copy of every line,
	// typically lumberjack-rotated capture files.
	Stdout io.Writer
	Stderr io.Writer
}

// Stats summarises one relay run.
type Stats struct {
	Lines   map[event.Stream]int
	Dropped map[event.Stream]int
}

// Relay forwards sidecar output. It never blocks the child: a line that does
// not fit in the bus is dropped from the event stream but still reaches the
// local sink.
type Relay struct {
	name   string
	logger *slog.Logger
	emit   event.LogEmitter
	sinks  map[event.Stream]io.Writer
	sinkMu sync.Mutex
}

func New(emit event.LogEmitter, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "dmx-backend"
	}
	sinks := map[event.Stream]io.Writer{}
	if opts.Stdout != nil {
		sinks[event.StreamStdout] = opts.Stdout
	}
	if opts.Stderr != nil {
		sinks[event.StreamStderr] = opts.Stderr
	}
	return &Relay{name: opts.Name, logger: opts.Logger, emit: emit, sinks: sinks}
}

// Run reads both streams concurrently and returns once both are closed.
// A nil reader is treated as already closed.
func (r *Relay) Run(gen event.Generation, stdout, stderr io.Reader) Stats {
	st := Stats{Lines: map[event.Stream]int{}, Dropped: map[event.Stream]int{}}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for stream, rd := range map[event.Stream]io.Reader{event.StreamStdout: stdout, event.StreamStderr: stderr} {
		if rd == nil {
			continue
		}
		wg.Add(1)
		go func(stream event.Stream, rd io.Reader) {
			defer wg.Done()
			lines, dropped := r.drain(gen, stream, rd)
			mu.Lock()
			st.Lines[stream] = lines
			st.Dropped[stream] = dropped
			mu.Unlock()
		}(stream, rd)
	}
	wg.Wait()
	return st
}

func (r *Relay) drain(gen event.Generation, stream event.Stream, rd io.Reader) (lines, dropped int) {
	br := bufio.NewReaderSize(rd, 64*1024)
	var line []byte
	truncated := false
	for {
		chunk, err := br.ReadSlice('\n')
		if room := MaxLineBytes - len(line); len(chunk) > room {
			line = append(line, chunk[:room]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if err == nil || len(line) > 0 {
			if truncated {
				r.logger.Warn("sidecar output line truncated",
					"stream", stream, "generation", gen, "limit", MaxLineBytes)
			}
			text := strings.TrimRight(strings.TrimSuffix(string(line), "\n"), "\r")
			lines++
			metrics.IncLogLine(string(stream))
			r.sink(gen, stream, text)
			if !r.emit.EmitLog(event.Log{Generation: gen, Line: event.LogLine{Stream: stream, Text: text}}) {
				dropped++
				metrics.IncDroppedLogLine(string(stream))
			}
		}
		line = line[:0]
		truncated = false

		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("sidecar output read failed", "stream", stream, "generation", gen, "error", err)
				// keep the pipe drained so the child never blocks on a full buffer
				_, _ = io.Copy(io.Discard, rd)
			}
			return lines, dropped
		}
	}
}

func (r *Relay) sink(gen event.Generation, stream event.Stream, text string) {
	r.logger.Info("["+r.name+"] "+text, "stream", stream, "generation", gen)
	if w, ok := r.sinks[stream]; ok {
		r.sinkMu.Lock()
		_, _ = io.WriteString(w, text+"\n")
		r.sinkMu.Unlock()
	}
}
