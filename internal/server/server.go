// Package server exposes the ask, propose and execute stages over HTTP and
// drives them from GitHub issue webhooks.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/approval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/pipeline"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/telemetry"
)

// Service is the subset of *pipeline.Pipeline the server calls.
type Service interface {
	Ask(ctx context.Context, req pipeline.Request) (*pipeline.Output, error)
	Propose(ctx context.Context, req pipeline.ProposeRequest) (*pipeline.Output, error)
	Execute(ctx context.Context, issue int) (approval.Outcome, error)
}

// Options configure a Server. An empty WebhookSecret accepts unsigned
// deliveries.
type Options struct {
	WebhookSecret string
	// Defaults apply to webhook-triggered proposals.
	Defaults pipeline.Options
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	svc      Service
	secret   []byte
	defaults pipeline.Options
	metrics  *telemetry.Metrics
	log      *slog.Logger
	e        *echo.Echo
}

// #region routes
// New builds the echo instance and registers every route.
func New(svc Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.New("server")
	}
	s := &Server{
		svc:      svc,
		secret:   []byte(opts.WebhookSecret),
		defaults: opts.Defaults,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				s.log.Warn("request", append(attrs, "err", v.Error)...)
				return nil
			}
			s.log.Info("request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := e.Group("/v1")
	v1.POST("/ask", s.ask)
	v1.POST("/issues/:number/propose", s.propose)
	v1.POST("/issues/:number/execute", s.execute)

	e.POST("/webhooks/github", s.webhook)

	s.e = e
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errCh <- s.e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// #endregion routes

// #region errors
// handleError renders every error as {"error": msg} and maps contract
// violations to 4xx codes.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	case errors.Is(err, pipeline.ErrEmptyRequest):
		code = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownUser):
		code = http.StatusNotFound
	case errors.Is(err, pipeline.ErrNoTracker):
		code = http.StatusServiceUnavailable
	case errors.Is(err, retrieval.ErrNoVectorIndex), errors.Is(err, retrieval.ErrUnknownStrategy):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("handler failed", "path", c.Path(), "err", err)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}

// #endregion errors
