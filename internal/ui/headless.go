// Package ui provides the presentation surface for running without a
// native tray: effects are logged, kept as state and fanned out to
// subscribers such as the control API's event stream.
package ui

import (
	"log/slog"
	"sync"
	"time"
)

// EffectKind names one presentation side effect.
type EffectKind string

const (
	EffectTooltip EffectKind = "tooltip"
	EffectWindow  EffectKind = "window"
	EffectSplash  EffectKind = "splash"
	EffectNotify  EffectKind = "notify"
	EffectDialog  EffectKind = "dialog"
	EffectEmit    EffectKind = "emit"
	EffectExit    EffectKind = "exit"
)

// Effect is one observable change made by the presenter.
type Effect struct {
	Kind    EffectKind `json:"kind"`
	Name    string     `json:"name,omitempty"`
	Title   string     `json:"title,omitempty"`
	Text    string     `json:"text,omitempty"`
	Payload any        `json:"payload,omitempty"`
	Code    int        `json:"code,omitempty"`
	At      time.Time  `json:"at"`
}

// Notification is a desktop notification that was shown.
type Notification struct {
	Title string    `json:"title"`
	Body  string    `json:"body"`
	At    time.Time `json:"at"`
}

const maxNotifications = 50

// DefaultSubscriberBuffer is used when Subscribe is given a non-positive size.
const DefaultSubscriberBuffer = 64

// Headless implements the presenter's UI without any native window system.
// Dialogs return immediately after being logged.
type Headless struct {
	logger *slog.Logger

	mu            sync.RWMutex
	tooltip       string
	windowShown   bool
	splashOpen    bool
	notifications []Notification
	subs          map[int]chan Effect
	nextID        int

	exitOnce sync.Once
	exitCh   chan int
}

func NewHeadless(logger *slog.Logger) *Headless {
	if logger == nil {
		logger = slog.Default()
	}
	return &Headless{
		logger:     logger.With("component", "ui"),
		splashOpen: true,
		subs:       make(map[int]chan Effect),
		exitCh:     make(chan int, 1),
	}
}

func (h *Headless) SetTooltip(text string) {
	h.mu.Lock()
	h.tooltip = text
	h.mu.Unlock()
	h.logger.Debug("tooltip", "text", text)
	h.publish(Effect{Kind: EffectTooltip, Text: text})
}

func (h *Headless) ShowMainWindow() {
	h.mu.Lock()
	h.windowShown = true
	h.mu.Unlock()
	h.logger.Debug("main window shown")
	h.publish(Effect{Kind: EffectWindow})
}

func (h *Headless) CloseSplash() {
	h.mu.Lock()
	was := h.splashOpen
	h.splashOpen = false
	h.mu.Unlock()
	if was {
		h.logger.Debug("splash closed")
		h.publish(Effect{Kind: EffectSplash})
	}
}

func (h *Headless) Notify(title, body string) {
	n := Notification{Title: title, Body: body, At: time.Now()}
	h.mu.Lock()
	h.notifications = append(h.notifications, n)
	if over := len(h.notifications) - maxNotifications; over > 0 {
		h.notifications = append([]Notification(nil), h.notifications[over:]...)
	}
	h.mu.Unlock()
	h.logger.Info("notification", "title", title, "body", body)
	h.publish(Effect{Kind: EffectNotify, Title: title, Text: body, At: n.At})
}

func (h *Headless) Dialog(title, message string) {
	h.logger.Error(title, "message", message)
	h.publish(Effect{Kind: EffectDialog, Title: title, Text: message})
}

func (h *Headless) Emit(name string, payload any) {
	h.publish(Effect{Kind: EffectEmit, Name: name, Payload: payload})
}

// Exit records the exit code; the first call wins.
func (h *Headless) Exit(code int) {
	h.exitOnce.Do(func() {
		h.logger.Info("exit requested", "code", code)
		h.exitCh <- code
		h.publish(Effect{Kind: EffectExit, Code: code})
	})
}

// Exited delivers the code passed to the first Exit call.
func (h *Headless) Exited() <-chan int { return h.exitCh }

func (h *Headless) Tooltip() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tooltip
}

func (h *Headless) WindowShown() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.windowShown
}

func (h *Headless) SplashOpen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.splashOpen
}

// Notifications returns the most recent notifications, oldest first.
func (h *Headless) Notifications() []Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Notification(nil), h.notifications...)
}

// Subscribe registers a listener for effects. Effects are dropped for a
// subscriber whose buffer is full. The returned cancel func unregisters and
// closes the channel.
func (h *Headless) Subscribe(buffer int) (<-chan Effect, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Effect, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Headless) publish(e Effect) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.logger.Debug("subscriber lagging, effect dropped", "subscriber", id, "kind", e.Kind)
		}
	}
}
