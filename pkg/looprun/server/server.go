// Package server exposes a looprun runtime over HTTP: event ingestion,
// SSE streaming, schema discovery, and lifecycle control.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/looprun/looprun/pkg/looprun"
	"github.com/looprun/looprun/pkg/looprun/config"
)

// Server wraps a runtime with an echo HTTP API.
//
// Routes:
//
//	POST /loops/:name                     submit an event to a loop
//	GET  /event-types                     schema discovery
//	GET  /events/:loop_id/:event_type     stream events (mode=stream|single|history)
//	GET  /instances/:loop_id/history      full stored history
//	POST /instances/:loop_id/pause        lifecycle control
//	POST /instances/:loop_id/resume
//	POST /instances/:loop_id/stop
type Server struct {
	rt     *looprun.Runtime
	echo   *echo.Echo
	logger *slog.Logger

	addr          string
	singleTimeout time.Duration
	streamTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAddr sets the listen address. Default ":8000".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithSingleTimeout bounds single-mode waits that specify no timeout of
// their own. Default 30s.
func WithSingleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.singleTimeout = d
	}
}

// WithStreamTimeout bounds the total duration of a stream-mode connection.
// Zero (the default) streams until the client disconnects or the loop stops.
func WithStreamTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.streamTimeout = d
	}
}

// New creates a server for a runtime.
func New(rt *looprun.Runtime, opts ...Option) *Server {
	s := &Server{
		rt:            rt,
		echo:          echo.New(),
		logger:        slog.Default(),
		addr:          ":8000",
		singleTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())

	s.routes()
	return s
}

// FromConfig creates a server using a loaded configuration. Recognized
// keys: host, port, and a server section with single_timeout and
// stream_timeout durations.
func FromConfig(rt *looprun.Runtime, cfg config.Config, opts ...Option) *Server {
	host := cfg.String("host", "")
	port := cfg.Int("port", 8000)
	section := cfg.Sub("server")

	base := []Option{
		WithAddr(fmt.Sprintf("%s:%d", host, port)),
		WithSingleTimeout(section.Duration("single_timeout", 30*time.Second)),
		WithStreamTimeout(section.Duration("stream_timeout", 0)),
	}
	return New(rt, append(base, opts...)...)
}

func (s *Server) routes() {
	s.echo.POST("/loops/:name", s.handleSubmit)
	s.echo.GET("/event-types", s.handleEventTypes)
	s.echo.GET("/events/:loop_id/:event_type", s.handleStream)
	s.echo.GET("/instances/:loop_id/history", s.handleHistory)
	s.echo.POST("/instances/:loop_id/pause", s.lifecycleHandler("pause", s.rt.Pause))
	s.echo.POST("/instances/:loop_id/resume", s.lifecycleHandler("resume", s.rt.Resume))
	s.echo.POST("/instances/:loop_id/stop", s.lifecycleHandler("stop", s.rt.Stop))
}

// Handler returns the underlying HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Run starts the server and shuts it down when ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(s.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
