// Package devsidecar is a stand-in for the dmx backend during development.
// It serves the health endpoint the shell probes and writes request lines to
// stdout so the output relay has something to forward.
package devsidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const DefaultListen = "127.0.0.1:8080"

type Options struct {
	Listen string
	// ReadyAfter keeps /healthz answering 503 until this much time has passed
	// since New.
	ReadyAfter time.Duration
	// FailFirst answers 503 to the first n health requests.
	FailFirst int
	// Heartbeat writes a line to Stderr at this interval; zero disables it.
	Heartbeat time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
}

type Server struct {
	opts    Options
	e       *echo.Echo
	started time.Time
	checks  atomic.Int64

	outMu sync.Mutex
}

func New(opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	s := &Server{opts: opts, started: time.Now()}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLine)
	e.GET("/healthz", s.health)
	e.GET("/api/info", s.info)
	s.e = e
	return s
}

// Handler exposes the routes without starting a listener.
func (s *Server) Handler() http.Handler { return s.e }

// Checks is the number of health requests served.
func (s *Server) Checks() int64 { return s.checks.Load() }

// Ready reports whether /healthz would currently answer 200.
func (s *Server) Ready() bool {
	return time.Since(s.started) >= s.opts.ReadyAfter && s.checks.Load() > int64(s.opts.FailFirst)
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.printf(s.opts.Stdout, "dev sidecar listening on %s", s.opts.Listen)
		errCh <- s.e.Start(s.opts.Listen)
	}()
	if s.opts.Heartbeat > 0 {
		go s.heartbeat(ctx)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown dev sidecar: %w", err)
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	s.checks.Add(1)
	if !s.Ready() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) info(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":   "dmx-backend (dev)",
		"pid":    os.Getpid(),
		"uptime": time.Since(s.started).Round(time.Millisecond).String(),
		"checks": s.checks.Load(),
	})
}

func (s *Server) requestLine(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.printf(s.opts.Stdout, "%s %s %d", c.Request().Method, c.Request().URL.Path, c.Response().Status)
		return nil
	}
}

func (s *Server) heartbeat(ctx context.Context) {
	t := time.NewTicker(s.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.printf(s.opts.Stderr, "heartbeat uptime=%s", time.Since(s.started).Round(time.Second))
		}
	}
}

func (s *Server) printf(w io.Writer, format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
