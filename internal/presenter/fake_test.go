package presenter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/loykin/dmxshell/internal/event"
	"github.com/loykin/dmxshell/internal/process"
)

type emitted struct {
	name    string
	payload any
}

type fakeUI struct {
	mu        sync.Mutex
	tooltips  []string
	shown     int
	splash    int
	notes     [][2]string
	dialogs   [][2]string
	emits     []emitted
	exitCodes []int
}

func (u *fakeUI) SetTooltip(text string) { u.mu.Lock(); u.tooltips = append(u.tooltips, text); u.mu.Unlock() }
func (u *fakeUI) ShowMainWindow()        { u.mu.Lock(); u.shown++; u.mu.Unlock() }
func (u *fakeUI) CloseSplash()           { u.mu.Lock(); u.splash++; u.mu.Unlock() }
func (u *fakeUI) Exit(code int)          { u.mu.Lock(); u.exitCodes = append(u.exitCodes, code); u.mu.Unlock() }

func (u *fakeUI) Notify(title, body string) {
	u.mu.Lock()
	u.notes = append(u.notes, [2]string{title, body})
	u.mu.Unlock()
}

func (u *fakeUI) Dialog(title, message string) {
	u.mu.Lock()
	u.dialogs = append(u.dialogs, [2]string{title, message})
	u.mu.Unlock()
}

func (u *fakeUI) Emit(name string, payload any) {
	u.mu.Lock()
	u.emits = append(u.emits, emitted{name, payload})
	u.mu.Unlock()
}

func (u *fakeUI) lastTooltip() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.tooltips) == 0 {
		return ""
	}
	return u.tooltips[len(u.tooltips)-1]
}

func (u *fakeUI) emitsNamed(name string) []any {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []any
	for _, e := range u.emits {
		if e.name == name {
			out = append(out, e.payload)
		}
	}
	return out
}

type uiSnapshot struct {
	tooltips []string
	notes    [][2]string
	dialogs  [][2]string
}

func (u *fakeUI) snapshot() uiSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return uiSnapshot{
		tooltips: append([]string(nil), u.tooltips...),
		notes:    append([][2]string(nil), u.notes...),
		dialogs:  append([][2]string(nil), u.dialogs...),
	}
}

func (u *fakeUI) counts() (shown, splash, notes, dialogs int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.shown, u.splash, len(u.notes), len(u.dialogs)
}

// fakeBackend tracks a generation counter; onRestart runs inside Restart.
type fakeBackend struct {
	gen       atomic.Uint64
	onRestart func(ctx context.Context, gen event.Generation)
}

func (b *fakeBackend) Current() event.Generation { return event.Generation(b.gen.Load()) }

func (b *fakeBackend) Restart(ctx context.Context) (event.Generation, error) {
	g := event.Generation(b.gen.Add(1))
	if b.onRestart != nil {
		b.onRestart(ctx, g)
	}
	return g, nil
}

func (b *fakeBackend) Process(gen event.Generation) (process.Status, bool) {
	if gen == 0 {
		return process.Status{}, false
	}
	return process.Status{Generation: gen, PID: 1000 + int(gen), State: "running"}, true
}

func (b *fakeBackend) RunID(gen event.Generation) string { return "run-" + gen.String() }
