package readiness

import "fmt"

// Phase is the coarse readiness state of one generation.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseWaiting
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseWaiting:
		return "waiting"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{PhaseStarting, PhaseWaiting, PhaseReady, PhaseFailed} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown readiness phase %q", b)
}

// State is Starting, Waiting(Attempt), Ready(Attempt) or Failed(Reason).
type State struct {
	Phase   Phase  `json:"phase"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason,omitempty"`
}

func Starting() State           { return State{Phase: PhaseStarting} }
func Waiting(attempt int) State { return State{Phase: PhaseWaiting, Attempt: attempt} }
func Ready(attempt int) State   { return State{Phase: PhaseReady, Attempt: attempt} }

func Failed(attempt int, reason string) State {
	return State{Phase: PhaseFailed, Attempt: attempt, Reason: reason}
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool { return s.Phase == PhaseReady || s.Phase == PhaseFailed }

func (s State) String() string {
	switch s.Phase {
	case PhaseWaiting, PhaseReady:
		return fmt.Sprintf("%s(%d)", s.Phase, s.Attempt)
	case PhaseFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return s.Phase.String()
	}
}

// Next returns next when it is a legal transition from s. Readiness only
// moves forward: terminal states are final and Waiting attempts strictly
// increase.
func (s State) Next(next State) (State, error) {
	if s.Terminal() {
		return s, fmt.Errorf("readiness: %s is terminal, cannot move to %s", s, next)
	}
	switch next.Phase {
	case PhaseStarting:
		return s, fmt.Errorf("readiness: cannot return to starting from %s", s)
	case PhaseWaiting, PhaseReady:
		if next.Attempt <= s.Attempt {
			return s, fmt.Errorf("readiness: attempt %d does not follow %s", next.Attempt, s)
		}
	}
	return next, nil
}
