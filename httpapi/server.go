// Package httpapi exposes the operator commands and status over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tango_bot/broker"
	"tango_bot/config"
	"tango_bot/investment"
	"tango_bot/journal"
	"tango_bot/logs"
	"tango_bot/monitor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Controller is the command surface of the control loop.
type Controller interface {
	OpenInitial(ctx context.Context, dir broker.Direction) (int64, error)
	CloseAll(ctx context.Context) (int, error)
	Status(ctx context.Context) (monitor.Summary, error)
}

// ActionLog lists journaled actions, newest first.
type ActionLog interface {
	Recent(limit int) ([]journal.Entry, error)
}

// Server serves /healthz and /api.
type Server struct {
	addr    string
	router  *gin.Engine
	ctrl    Controller
	actions ActionLog
	timeout time.Duration
}

type openRequest struct {
	Direction string `json:"direction" binding:"required"`
}

// NewServer builds the router. actions may be nil when the journal is disabled.
func NewServer(addr string, ctrl Controller, actions ActionLog, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: addr, router: router, ctrl: ctrl, actions: actions, timeout: timeout}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/positions/open", s.handleOpen)
	api.POST("/positions/close-all", s.handleCloseAll)
	api.GET("/actions", s.handleActions)
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("[HTTP] Listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	summary, err := s.ctrl.Status(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleOpen(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir, err := broker.ParseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	ticket, err := s.ctrl.OpenInitial(ctx, dir)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": ticket, "direction": dir})
}

func (s *Server) handleCloseAll(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	n, err := s.ctrl.CloseAll(ctx)
	if err != nil {
		status, _ := statusFor(err)
		c.JSON(status, gin.H{"closed": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": n})
}

func (s *Server) handleActions(c *gin.Context) {
	if s.actions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "action journal disabled"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = v
	}
	entries, err := s.actions.Recent(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": entries})
}

func writeError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	c.JSON(status, gin.H{"error": msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, monitor.ErrPositionCap), errors.Is(err, investment.ErrExposureLimit):
		return http.StatusConflict, err.Error()
	case errors.Is(err, broker.ErrOrderRejected):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, broker.ErrConnectionLost):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)
		c.Next()
		logs.WithFields(logs.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"ip":         c.ClientIP(),
			"dur":        time.Since(start).String(),
			"request_id": reqID,
		}).Debug("[HTTP] request")
	}
}
