// Package server exposes the inbound callback and the mailbox read API over
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/shineum/mail-ingest-lite/internal/blob"
	"github.com/shineum/mail-ingest-lite/internal/ingest"
	"github.com/shineum/mail-ingest-lite/internal/store"
)

// defaultMaxBodySize is 25 MB in bytes.
const defaultMaxBodySize = 26214400

// Ingester runs inbound messages through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, in ingest.Inbound) ingest.Result
	Ack(r ingest.Result) ingest.Ack
}

// Config holds the HTTP server dependencies.
type Config struct {
	Ingester  Ingester
	Mailboxes store.MailboxStore
	Messages  store.MessageStore
	Blobs     blob.Store

	// SignatureHeader names the header carrying the payload signature.
	SignatureHeader string

	// MaxBodySize caps the inbound request body in bytes.
	MaxBodySize int64

	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	echo   *echo.Echo
	cfg    Config
	logger *slog.Logger
}

// New creates a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", cfg.MaxBodySize)))

	s := &Server{echo: e, cfg: cfg, logger: logger}

	e.GET("/health", s.healthCheck)

	api := e.Group("/api/v1")
	api.POST("/inbound", s.handleInbound)
	api.GET("/mailboxes/:address/messages", s.handleListMessages)
	api.GET("/messages/:id", s.handleGetMessage)
	api.GET("/messages/:id/attachments/:attachmentID", s.handleGetAttachment)

	return s
}

// requestLogger writes one slog record per request.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on address and blocks until the server is shut down.
func (s *Server) Start(address string) error {
	s.logger.Info("HTTP server listening", "addr", address)
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "mail-ingest",
	})
}
