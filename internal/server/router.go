package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/exitwatch/internal/metrics"
	"github.com/loykin/exitwatch/internal/monitor"
)

// StatusSource is the read side of a monitor.
type StatusSource interface {
	Snapshot() []monitor.Status
	Active() int
}

// Router provides read-only HTTP handlers for the watched targets.
// Endpoints:
//   GET {basePath}/targets         query: active=true|false (optional filter)
//   GET {basePath}/targets/:pid    single target, 404 if not watched
//   GET {basePath}/healthz         liveness of the supervisor itself
//   GET /metrics                   Prometheus, when enabled
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src         StatusSource
	basePath    string
	withMetrics bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src StatusSource, basePath string, withMetrics bool) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), withMetrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/targets", r.handleTargets)
	group.GET("/targets/:pid", r.handleTarget)
	group.GET("/healthz", r.handleHealth)
	if r.withMetrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Listen errors other than a normal close are logged.
func NewServer(addr string, r *Router, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server stopped", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK     bool `json:"ok"`
	Active int  `json:"active"`
	Total  int  `json:"total"`
}

func (r *Router) handleTargets(c *gin.Context) {
	all := r.src.Snapshot()
	filter := c.Query("active")
	if filter == "" {
		writeJSON(c, http.StatusOK, all)
		return
	}
	want, err := strconv.ParseBool(filter)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "active must be true or false"})
		return
	}
	out := make([]monitor.Status, 0, len(all))
	for _, st := range all {
		if st.Active == want {
			out = append(out, st)
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleTarget(c *gin.Context) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "pid must be a positive integer"})
		return
	}
	for _, st := range r.src.Snapshot() {
		if st.PID == pid {
			writeJSON(c, http.StatusOK, st)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "pid not watched"})
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true, Active: r.src.Active(), Total: len(r.src.Snapshot())})
}
