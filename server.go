package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// ErrorResponse is the JSON body returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StartResponse is returned when a saga is accepted for execution.
type StartResponse struct {
	SagaID string `json:"sagaId"`
}

// CancelResponse reports the outcome of a cancel request.
type CancelResponse struct {
	Cancelled bool      `json:"cancelled"`
	State     SagaState `json:"state"`
}

// Server exposes the registry over HTTP.
type Server struct {
	echo     *echo.Echo
	registry *Registry
	logger   zerolog.Logger
}

// NewServer wires the API routes around a registry.
func NewServer(registry *Registry, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, registry: registry, logger: logger}

	e.GET("/health", s.health)
	e.GET("/sagas", s.listSagas)
	e.POST("/sagas/:type", s.startSaga)
	e.GET("/sagas/:id", s.getSaga)
	e.POST("/sagas/:id/cancel", s.cancelSaga)
	e.GET("/metrics", echo.WrapHandler(registry.metrics.Handler()))

	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the given address until Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "sagaflow",
	})
}

func (s *Server) listSagas(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) startSaga(c echo.Context) error {
	typeName := c.Param("type")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "could not read request body",
		})
	}
	payload := json.RawMessage(body)
	if len(payload) > 0 && !json.Valid(payload) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_payload",
			Message: "request body must be valid JSON",
		})
	}

	id, err := s.registry.Start(c.Request().Context(), typeName, payload)
	if err != nil {
		if errors.Is(err, ErrUnknownSagaType) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "unknown_saga_type",
				Message: err.Error(),
			})
		}
		s.logger.Error().Str("sagaType", typeName).Err(err).Msg("failed to start saga")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "start_failed",
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusAccepted, StartResponse{SagaID: id})
}

func (s *Server) getSaga(c echo.Context) error {
	inst, err := s.registry.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "saga_not_found",
				Message: err.Error(),
			})
		}
		s.logger.Error().Str("sagaId", c.Param("id")).Err(err).Msg("failed to read saga status")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "status_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) cancelSaga(c echo.Context) error {
	id := c.Param("id")
	cancelled, err := s.registry.Cancel(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "saga_not_found",
				Message: err.Error(),
			})
		}
		s.logger.Error().Str("sagaId", id).Err(err).Msg("failed to cancel saga")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "cancel_failed",
			Message: err.Error(),
		})
	}

	inst, err := s.registry.Status(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "status_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, CancelResponse{Cancelled: cancelled, State: inst.State})
}
