package client

import "time"

// ShellStatus is what the desktop shell currently shows for the backend.
type ShellStatus struct {
	Generation uint64 `json:"generation"`
	RunID      string `json:"run_id,omitempty"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	Tooltip    string `json:"tooltip"`
	LastError  string `json:"last_error,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// ProcessStatus is the OS-level state of one spawned sidecar.
type ProcessStatus struct {
	Generation uint64    `json:"generation"`
	Name       string    `json:"name"`
	Path       string    `json:"path,omitempty"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	ExitedAt   time.Time `json:"exited_at"`
	ExitErr    string    `json:"exit_error,omitempty"`
}

// Readiness is the probe state of one generation.
type Readiness struct {
	Phase   string `json:"phase"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason,omitempty"`
}

// RunStatus describes one generation tracked by the supervisor.
type RunStatus struct {
	Generation uint64         `json:"generation"`
	RunID      string         `json:"run_id"`
	Process    *ProcessStatus `json:"process,omitempty"`
	Readiness  Readiness      `json:"readiness"`
	Finished   bool           `json:"finished"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Shell ShellStatus `json:"shell"`
	Runs  []RunStatus `json:"runs"`
}

// CommandResponse is returned by POST /commands/:name.
type CommandResponse struct {
	OK         bool   `json:"ok"`
	Command    string `json:"command"`
	Generation uint64 `json:"generation"`
}

// Event is one UI effect received from GET /events.
type Event struct {
	Name    string    `json:"-"`
	Kind    string    `json:"kind"`
	Title   string    `json:"title,omitempty"`
	Text    string    `json:"text,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Code    int       `json:"code,omitempty"`
	At      time.Time `json:"at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
