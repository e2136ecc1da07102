package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/streamctl/internal/metrics"
	"github.com/loykin/streamctl/internal/supervisor"
)

// Controller is the supervisor surface the control API drives.
type Controller interface {
	Names() []string
	StartService(ctx context.Context, name string) bool
	StopService(ctx context.Context, name string) bool
	StartAll(ctx context.Context)
	StopAll(ctx context.Context)
	Statuses() []supervisor.Status
	Status(name string) (supervisor.Status, bool)
	CheckAll(ctx context.Context) map[string]bool
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints:
//
//	POST {basePath}/start   query: name=... (empty starts all)
//	POST {basePath}/stop    query: name=... (empty stops all)
//	GET  {basePath}/status  query: name=... (optional); refreshes health first
//	GET  {basePath}/health  probes every running service
//	GET  /metrics           when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// WithMetrics exposes the Prometheus handler at /metrics.
func (r *Router) WithMetrics(enabled bool) *Router {
	r.metrics = enabled
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/health", r.handleHealth)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds an HTTP server for the handler; the caller runs
// ListenAndServe and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// StopAll waits out each service's escalation window.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type actionResp struct {
	OK       bool                `json:"ok"`
	Services []supervisor.Status `json:"services"`
}

type healthResp struct {
	OK       bool            `json:"ok"`
	Services map[string]bool `json:"services"`
}

func (r *Router) known(name string) bool {
	for _, n := range r.ctl.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func (r *Router) selected(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name != "" && !r.known(name) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service: " + name})
		return "", false
	}
	return name, true
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.selected(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if name == "" {
		r.ctl.StartAll(ctx)
		writeJSON(c, http.StatusOK, actionResp{OK: true, Services: r.ctl.Statuses()})
		return
	}
	started := r.ctl.StartService(ctx, name)
	st, _ := r.ctl.Status(name)
	code := http.StatusOK
	if !started {
		code = http.StatusConflict
	}
	writeJSON(c, code, actionResp{OK: started, Services: []supervisor.Status{st}})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.selected(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if name == "" {
		r.ctl.StopAll(ctx)
		writeJSON(c, http.StatusOK, actionResp{OK: true, Services: r.ctl.Statuses()})
		return
	}
	stopped := r.ctl.StopService(ctx, name)
	st, _ := r.ctl.Status(name)
	code := http.StatusOK
	if !stopped {
		code = http.StatusConflict
	}
	writeJSON(c, code, actionResp{OK: stopped, Services: []supervisor.Status{st}})
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := r.selected(c)
	if !ok {
		return
	}
	r.ctl.CheckAll(c.Request.Context())
	if name == "" {
		writeJSON(c, http.StatusOK, r.ctl.Statuses())
		return
	}
	st, _ := r.ctl.Status(name)
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleHealth(c *gin.Context) {
	res := r.ctl.CheckAll(c.Request.Context())
	allOK := true
	for _, name := range r.ctl.Names() {
		st, _ := r.ctl.Status(name)
		if st.Running && !res[name] {
			allOK = false
		}
	}
	writeJSON(c, http.StatusOK, healthResp{OK: allOK, Services: res})
}
