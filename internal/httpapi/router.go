// Package httpapi exposes the scheduler, injection queue, approval bridge,
// and event bus over the stable HTTP surface: chat and slash-command entry
// points, task listing and lineage operations, approval decisions, the SSE
// subscription, and a Prometheus metrics listener.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forge/internal/approval"
	"forge/internal/bgtask"
	"forge/internal/chatlock"
	"forge/internal/corelog"
	"forge/internal/injection"
	"forge/internal/progress"
	"forge/internal/ssebus"
	"forge/internal/transcript"
)

// Deps bundles the collaborators the router dispatches against.
type Deps struct {
	Runner      *bgtask.Runner
	Injection   *injection.Queue
	Bus         *ssebus.Bus
	Approvals   *approval.Manager
	Tracker     *progress.Tracker
	Transcript  *transcript.Log
	Parent      injection.ParentAgent
	Lock        *chatlock.Lock
	BearerToken string
	CORSOrigins []string
	Registry    prometheus.Gatherer
	Logger      corelog.Logger
	Debug       bool
}

// Router wires the public HTTP surface onto a gin.Engine.
type Router struct {
	d      Deps
	engine *gin.Engine
}

// New builds a Router and registers every route. Call Engine to obtain the
// http.Handler to serve, typically via http.Server.
func New(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = corelog.Nop()
	}
	if d.Registry == nil {
		d.Registry = prometheus.DefaultGatherer
	}
	if !d.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(recoveryMiddleware(d.Logger))
	engine.Use(corsMiddleware(d.CORSOrigins))

	r := &Router{d: d, engine: engine}
	r.registerRoutes()
	return r
}

// Engine returns the underlying http.Handler.
func (r *Router) Engine() http.Handler {
	return r.engine
}

func (r *Router) registerRoutes() {
	api := r.engine.Group("/api")
	api.Use(authMiddleware(r.d.BearerToken))

	api.POST("/chat", r.handleChat)
	api.POST("/command", r.handleCommand)
	api.GET("/events", r.handleEvents)
	api.GET("/status", r.handleStatus)
	api.GET("/history", r.handleHistory)
	api.POST("/approval", r.handleApproval)
	api.POST("/sandbox/dispose", r.handleSandboxDispose)
	api.GET("/bg-tasks", r.handleListBgTasks)
	api.POST("/bg-tasks/:id/retry", r.handleRetryBgTask)
	api.POST("/bg-tasks/:id/redo", r.handleRedoBgTask)

	// The metrics listener is meant to be served on a separate,
	// loopback-only address (cmd/orchestratord binds it there); the route
	// itself carries no auth middleware per the exposition's own access
	// control (bind address, not bearer token).
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.d.Registry, promhttp.HandlerOpts{})))
}
