// Package api exposes the triage workflow over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nhle/inbox-triage/internal/source"
	"github.com/nhle/inbox-triage/internal/store"
	"github.com/nhle/inbox-triage/internal/triage"
	"github.com/nhle/inbox-triage/internal/urgency"
)

// Triage is the workflow the server drives.
type Triage interface {
	Ingest(ctx context.Context, creds source.Credentials) (triage.IngestResult, error)
	UpdateMetrics(ctx context.Context, userID, messageID string, wasRead bool, readingDuration float64) error
	Train(ctx context.Context, userID string) (*triage.TrainResult, error)
	ProcessAndArchive(ctx context.Context, creds source.Credentials) (triage.ProcessResult, error)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	triage Triage
	logger *zap.Logger
	addr   string
}

// NewServer creates a new HTTP server listening on addr once started.
func NewServer(svc Triage, logger *zap.Logger, addr string) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("triage service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if addr == "" {
		addr = ":8000"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler write the status before logging it.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return nil
		}
	})

	s := &Server{
		echo:   e,
		triage: svc,
		logger: logger,
		addr:   addr,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/ingest_emails", s.handleIngest)
	s.echo.POST("/update_metrics", s.handleUpdateMetrics)
	s.echo.POST("/train_model", s.handleTrain)
	s.echo.POST("/process_and_archive", s.handleProcess)
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleIngest(c echo.Context) error {
	var req Credentials
	if err := s.bind(c, &req, &req); err != nil {
		return err
	}

	res, err := s.triage.Ingest(c.Request().Context(), req.source())
	if err != nil {
		return s.fail(err, "Error ingesting emails.")
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "success",
		Message: fmt.Sprintf("Ingested %d emails.", res.Fetched),
		Result:  res,
	})
}

func (s *Server) handleUpdateMetrics(c echo.Context) error {
	var req UpdateMetricsRequest
	if err := s.bind(c, &req, &req.Credentials); err != nil {
		return err
	}
	if req.EmailID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email_id field is required")
	}

	err := s.triage.UpdateMetrics(
		c.Request().Context(),
		req.Email, req.EmailID, req.IsRead, req.ReadingDuration,
	)
	if err != nil {
		return s.fail(err, "Error updating metrics.")
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "success",
		Message: "Metrics updated.",
	})
}

func (s *Server) handleTrain(c echo.Context) error {
	var req Credentials
	if err := s.bind(c, &req, &req); err != nil {
		return err
	}

	res, err := s.triage.Train(c.Request().Context(), req.Email)
	if err != nil {
		return s.fail(err, "Error training model.")
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "success",
		Message: "Model trained successfully.",
		Result:  res,
	})
}

func (s *Server) handleProcess(c echo.Context) error {
	var req Credentials
	if err := s.bind(c, &req, &req); err != nil {
		return err
	}

	res, err := s.triage.ProcessAndArchive(c.Request().Context(), req.source())
	if err != nil {
		return s.fail(err, "Error processing emails.")
	}

	msg := "Processed emails and archived non-urgent ones."
	if res.Processed == 0 {
		msg = "No new emails to process."
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "success",
		Message: msg,
		Result:  res,
	})
}

// bind decodes the request body into dst and requires creds.Email.
func (s *Server) bind(c echo.Context, dst interface{}, creds *Credentials) error {
	if err := c.Bind(dst); err != nil {
		s.logger.Warn("invalid request", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if creds.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email field is required")
	}
	return nil
}

// fail maps workflow errors to HTTP errors. Anything unexpected becomes a
// 500 with a generic message; the cause is only logged.
func (s *Server) fail(err error, generic string) error {
	switch {
	case errors.Is(err, triage.ErrModelNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, "Model not found. Train the model first.")
	case errors.Is(err, urgency.ErrInsufficientData):
		return echo.NewHTTPError(http.StatusBadRequest, "Not enough data to train model.")
	case errors.Is(err, triage.ErrInvalidMetrics):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Email record not found.")
	case source.IsAuthError(err):
		return echo.NewHTTPError(http.StatusUnauthorized, "Email authentication failed.")
	}

	s.logger.Error(generic, zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, generic)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
