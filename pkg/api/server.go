// Package api serves the command protocol over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/artifact"
	"github.com/tunogya/visionquant/pkg/backtest"
	"github.com/tunogya/visionquant/pkg/builder"
	"github.com/tunogya/visionquant/pkg/command"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/engine"
)

const commandKey = "command"

// Handler exposes a command runner as JSON endpoints.
type Handler struct {
	runner *command.Runner
	logger *zap.Logger

	// ctx outlives requests and bounds background builds
	ctx    context.Context
	builds sync.WaitGroup
}

// NewHandler creates a handler over runner. Cancelling ctx aborts builds
// started with ?async=true.
func NewHandler(ctx context.Context, runner *command.Runner, logger *zap.Logger) *Handler {
	return &Handler{runner: runner, logger: logger, ctx: ctx}
}

// Wait blocks until every background build has returned.
func (h *Handler) Wait() {
	h.builds.Wait()
}

// NewRouter builds the gin engine with health, status and command routes.
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.Command(command.Status))
		v1.POST("/build", h.Build)
		for _, name := range []string{command.Search, command.Predict, command.Score, command.Analyze, command.Backtest} {
			v1.POST("/"+name, h.Command(name))
		}
	}
	return router
}

// Command runs name with the request body as its parameters.
func (h *Handler) Command(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(commandKey, name)
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, command.Failure{Error: err.Error()})
			return
		}
		res, err := h.runner.Exec(c.Request.Context(), name, body)
		c.JSON(StatusCode(err), res)
	}
}

// Build runs a build. With ?async=true it returns 202 at once and the build
// continues in the background, reporting through the runner's publishers.
func (h *Handler) Build(c *gin.Context) {
	if c.Query("async") != "true" {
		h.Command(command.Build)(c)
		return
	}
	c.Set(commandKey, command.Build)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, command.Failure{Error: err.Error()})
		return
	}
	h.builds.Add(1)
	go func() {
		defer h.builds.Done()
		if _, err := h.runner.Exec(h.ctx, command.Build, body); err != nil {
			h.logger.Error("Background build failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"success": true, "accepted": true})
}

// StatusCode maps a command error onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case command.IsParamError(err):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, artifact.ErrBuildInProgress):
		return http.StatusConflict
	case errors.Is(err, engine.ErrIndexNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, data.ErrNoData),
		errors.Is(err, builder.ErrInsufficientData),
		errors.Is(err, backtest.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
