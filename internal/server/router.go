package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dmxshell/internal/event"
	"github.com/loykin/dmxshell/internal/metrics"
	"github.com/loykin/dmxshell/internal/presenter"
	"github.com/loykin/dmxshell/internal/supervisor"
	"github.com/loykin/dmxshell/internal/ui"
)

// Router provides embeddable HTTP handlers for controlling the shell.
// Endpoints:
//
//	GET  {basePath}/status          presenter status plus tracked runs
//	GET  {basePath}/runs/:gen       one generation
//	POST {basePath}/commands/:name  open | restart-backend | run-onboarding | quit
//	GET  {basePath}/events          UI effects as server-sent events
//	GET  /metrics                   Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	presenter Presenter
	runs      Runs
	effects   Effects
	basePath  string
	logger    *slog.Logger

	// CommandTimeout bounds how long a command request waits for the
	// presenter.
	CommandTimeout time.Duration
}

// Presenter is the status and command surface of the presenter.
type Presenter interface {
	Status() presenter.Status
	Do(ctx context.Context, cmd presenter.Command) (event.Generation, error)
}

// Runs exposes the supervisor's generation arena.
type Runs interface {
	Generations() []event.Generation
	Status(gen event.Generation) (supervisor.Status, bool)
}

// Effects is a fan-out source of UI effects.
type Effects interface {
	Subscribe(buffer int) (<-chan ui.Effect, func())
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Shell presenter.Status    `json:"shell"`
	Runs  []supervisor.Status `json:"runs"`
}

// CommandResponse is the body of a successful POST /commands/:name.
type CommandResponse struct {
	OK         bool              `json:"ok"`
	Command    presenter.Command `json:"command"`
	Generation event.Generation  `json:"generation"`
}

// NewRouter constructs a new Router with configurable basePath.
// effects may be nil, in which case /events answers 404.
func NewRouter(p Presenter, runs Runs, effects Effects, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		presenter:      p,
		runs:           runs,
		effects:        effects,
		basePath:       sanitizeBase(basePath),
		logger:         logger.With("component", "server"),
		CommandTimeout: 30 * time.Second,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/runs/:gen", r.handleRun)
	group.POST("/commands/:name", r.handleCommand)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer starts a standalone HTTP server on addr serving h. Call
// Shutdown on the returned server to stop it.
func NewServer(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /events streams for the lifetime of the client
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := StatusResponse{Shell: r.presenter.Status(), Runs: []supervisor.Status{}}
	if r.runs != nil {
		for _, gen := range r.runs.Generations() {
			if st, ok := r.runs.Status(gen); ok {
				resp.Runs = append(resp.Runs, st)
			}
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRun(c *gin.Context) {
	n, err := strconv.ParseUint(c.Param("gen"), 10, 64)
	if err != nil || n == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "generation must be a positive integer"})
		return
	}
	if r.runs == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no runs"})
		return
	}
	st, ok := r.runs.Status(event.Generation(n))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown generation " + c.Param("gen")})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleCommand(c *gin.Context) {
	cmd, err := presenter.ParseCommand(c.Param("name"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.CommandTimeout)
	defer cancel()

	gen, err := r.presenter.Do(ctx, cmd)
	switch {
	case err == nil:
	case errors.Is(err, presenter.ErrStopped):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: err.Error()})
		return
	default:
		// a failed restart is also reported to the UI as an error event
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	r.logger.Info("command executed", "command", cmd, "generation", gen)
	writeJSON(c, http.StatusOK, CommandResponse{OK: true, Command: cmd, Generation: gen})
}

// handleEvents streams UI effects. ?kind=emit,notify limits the kinds sent.
func (r *Router) handleEvents(c *gin.Context) {
	if r.effects == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "event stream not available"})
		return
	}
	kinds := parseKinds(c.Query("kind"))
	ch, cancel := r.effects.Subscribe(0)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			if len(kinds) > 0 && !kinds[e.Kind] {
				return true
			}
			c.SSEvent(eventName(e), e)
			return true
		}
	})
}

func parseKinds(q string) map[ui.EffectKind]bool {
	if strings.TrimSpace(q) == "" {
		return nil
	}
	m := make(map[ui.EffectKind]bool)
	for _, k := range strings.Split(q, ",") {
		if k = strings.TrimSpace(k); k != "" {
			m[ui.EffectKind(k)] = true
		}
	}
	return m
}

// eventName is the frontend event name for emits and "ui/<kind>" otherwise.
func eventName(e ui.Effect) string {
	if e.Kind == ui.EffectEmit && e.Name != "" {
		return e.Name
	}
	return "ui/" + string(e.Kind)
}
