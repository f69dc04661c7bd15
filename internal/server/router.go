// Package server exposes the coordinator's control operations over HTTP.
// Endpoints are JSON over REST plus an SSE event stream; the handler can be
// mounted in any mux or served standalone.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/coordinator"
	"github.com/loykin/sentinel/internal/metrics"
)

// Router provides embeddable HTTP handlers for the control surface.
type Router struct {
	coord    *coordinator.Coordinator
	basePath string
}

// NewRouter constructs a Router with a configurable base path.
// Example basePath "/api" yields /api/workloads, /api/health, ...
func NewRouter(coord *coordinator.Coordinator, basePath string) *Router {
	return &Router{coord: coord, basePath: sanitizeBase(basePath)}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)

	group.POST("/workloads", r.handleCreate)
	group.GET("/workloads", r.handleList)
	group.GET("/workloads/:ref", r.handleDescribe)
	group.PATCH("/workloads/:ref", r.handleUpdate)
	group.DELETE("/workloads/:ref", r.handleDelete)
	group.POST("/workloads/:ref/start", r.handleStart)
	group.POST("/workloads/:ref/stop", r.handleStop)
	group.POST("/workloads/:ref/restart", r.handleRestart)
	group.GET("/workloads/:ref/logs", r.handleLogs)
	group.GET("/workloads/:ref/metrics", r.handleMetrics)

	group.POST("/policies", r.handlePutPolicy)
	group.POST("/schedules", r.handlePutSchedule)
	group.GET("/schedules", r.handleListSchedules)
	group.POST("/schedules/:id/enable", r.handleEnableSchedule)
	group.POST("/schedules/:id/disable", r.handleDisableSchedule)

	group.GET("/events", r.handleEvents)
	group.GET("/health", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))

	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, coord *coordinator.Coordinator) (*http.Server, error) {
	r := NewRouter(coord, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()
	select {
	case err := <-serverErrCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
		// Listener is up or failed later; callers watch the server themselves.
	}
	return server, nil
}

// writeErr renders a typed error with its mapped status.
func writeErr(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Wrap(apperr.Internal, err, "%s", err.Error())
	}
	c.JSON(apperr.HTTPStatus(ae), gin.H{
		"kind":    ae.Kind,
		"message": ae.Message,
		"hint":    ae.Hint,
	})
}
