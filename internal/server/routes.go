package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/taskman/internal/node"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

var errBadArgs = errors.New("request body must be a JSON array")

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.node.Name(),
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready": s.ready.Load(),
			"node":  s.node.Name(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/workers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"workers": s.node.Workers()})
	})

	workers := r.Group("/workers/:name")
	workers.GET("", s.withWorker(func(c *gin.Context, h *worker.Handle) {
		c.JSON(http.StatusOK, h.Status())
	}))
	workers.POST("/start", s.lifecycle(func(c *gin.Context, h *worker.Handle) error {
		return h.Start(c.Request.Context())
	}))
	workers.POST("/kill", s.lifecycle(func(c *gin.Context, h *worker.Handle) error {
		return h.Kill()
	}))
	workers.POST("/shutdown", s.lifecycle(func(c *gin.Context, h *worker.Handle) error {
		return h.Shutdown(c.Request.Context())
	}))
	workers.POST("/restart", s.lifecycle(func(c *gin.Context, h *worker.Handle) error {
		return h.Restart(c.Request.Context())
	}))
	workers.POST("/restart-kill", s.lifecycle(func(c *gin.Context, h *worker.Handle) error {
		return h.RestartKill(c.Request.Context())
	}))
	workers.DELETE("", func(c *gin.Context) {
		name := c.Param("name")
		if err := s.node.RemoveWorker(c.Request.Context(), name); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": name})
	})
	workers.POST("/request/:event", s.withWorker(func(c *gin.Context, h *worker.Handle) {
		args, err := bindArgs(c)
		if err != nil {
			writeError(c, err)
			return
		}
		out, err := h.Call(c.Request.Context(), c.Param("event"), args)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": out})
	}))

	r.POST("/control/:directive", func(c *gin.Context) {
		directive, err := protocol.ParseDirective(c.Param("directive"))
		if err != nil {
			writeError(c, err)
			return
		}
		args, err := bindArgs(c)
		if err != nil {
			writeError(c, err)
			return
		}
		values := make([]any, len(args))
		for i, a := range args {
			values[i] = a
		}
		out, err := s.node.Control(c.Request.Context(), c.Query("destination"), directive, values...)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": out})
	})
}

func (s *Server) withWorker(fn func(*gin.Context, *worker.Handle)) gin.HandlerFunc {
	return func(c *gin.Context) {
		h, err := s.node.Worker(c.Param("name"))
		if err != nil {
			writeError(c, err)
			return
		}
		fn(c, h)
	}
}

func (s *Server) lifecycle(fn func(*gin.Context, *worker.Handle) error) gin.HandlerFunc {
	return s.withWorker(func(c *gin.Context, h *worker.Handle) {
		if err := fn(c, h); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, h.Status())
	})
}

// bindArgs reads an optional JSON array body.
func bindArgs(c *gin.Context) (protocol.Args, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, errBadArgs
	}
	return protocol.Args(args), nil
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var remote *protocol.RemoteError
	switch {
	case errors.Is(err, node.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadArgs), errors.Is(err, protocol.ErrUnknownDirective),
		errors.Is(err, worker.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrAlreadyStarted), errors.Is(err, worker.ErrNotStarted),
		errors.Is(err, worker.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, worker.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &remote), errors.Is(err, worker.ErrExited):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
