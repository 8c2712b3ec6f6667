package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procmon/internal/health"
	"github.com/loykin/procmon/internal/inventory"
	"github.com/loykin/procmon/internal/metrics"
)

// Router serves the daemon's read-only HTTP surface.
// Endpoints:
//
//	GET {basePath}/healthz         all checks
//	GET {basePath}/healthz/ready   checks tagged ready
//	GET {basePath}/healthz/live    checks tagged live
//	GET {basePath}/metrics         Prometheus exposition
//	GET {basePath}/status          query: name=... (optional)
//
// Health endpoints answer 503 when any selected check is unhealthy.
type Router struct {
	deps     Deps
	basePath string
}

// Deps are the collaborators the router reads from. Only Health and
// Inventory are required.
type Deps struct {
	Health         *health.Registry
	Inventory      health.InventorySource
	Counter        health.ProcessCounter
	Tasks          func() map[string]int
	State          func() string
	Metrics        http.Handler
	ProcessMetrics *metrics.ProcessMetricsCollector
}

func NewRouter(d Deps, basePath string) *Router {
	if d.Metrics == nil {
		d.Metrics = metrics.Handler()
	}
	return &Router{deps: d, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth(""))
	group.GET("/healthz/ready", r.handleHealth(health.TagReady))
	group.GET("/healthz/live", r.handleHealth(health.TagLive))
	group.GET("/metrics", gin.WrapH(r.deps.Metrics))
	group.GET("/status", r.handleStatus)
	return g
}

// NewServer starts a standalone HTTP server on addr. Stop it with Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleHealth(tag string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep := r.deps.Health.Run(c.Request.Context(), tag)
		code := http.StatusOK
		if rep.Status != health.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(c, code, rep)
	}
}

type processStatus struct {
	Name           string             `json:"name"`
	Mode           string             `json:"mode"`
	Enabled        bool               `json:"enabled"`
	DesiredCount   int                `json:"desired_count"`
	Running        int                `json:"running"`
	ScheduleTime   string             `json:"time,omitempty"`
	Interval       int                `json:"interval_minutes,omitempty"`
	ScheduledTasks int                `json:"scheduled_tasks"`
	Usage          *metrics.Aggregate `json:"usage,omitempty"`
	Error          string             `json:"error,omitempty"`
}

type statusResp struct {
	State        string          `json:"state,omitempty"`
	Version      string          `json:"version,omitempty"`
	LastModified time.Time       `json:"last_modified"`
	Processes    []processStatus `json:"processes"`
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name != "" && !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	ctx := c.Request.Context()
	inv, err := r.deps.Inventory.GetInventory(ctx)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}

	var tasks map[string]int
	if r.deps.Tasks != nil {
		tasks = r.deps.Tasks()
	}
	resp := statusResp{Version: inv.Version, LastModified: inv.LastModified, Processes: []processStatus{}}
	if r.deps.State != nil {
		resp.State = r.deps.State()
	}
	for _, spec := range inv.Processes {
		if name != "" && spec.Name != name {
			continue
		}
		resp.Processes = append(resp.Processes, r.describe(ctx, spec, tasks[spec.Name]))
	}
	if name != "" && len(resp.Processes) == 0 {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown process " + name})
		return
	}
	sort.SliceStable(resp.Processes, func(i, j int) bool { return resp.Processes[i].Name < resp.Processes[j].Name })
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) describe(ctx context.Context, spec inventory.ProcessSpec, tasks int) processStatus {
	ps := processStatus{
		Name:           spec.Name,
		Mode:           spec.Mode().String(),
		Enabled:        spec.Enabled,
		DesiredCount:   spec.DesiredCount,
		ScheduleTime:   spec.ScheduleTime,
		ScheduledTasks: tasks,
	}
	if spec.IntervalMinutes != nil {
		ps.Interval = *spec.IntervalMinutes
	}
	if r.deps.Counter != nil {
		n, err := r.deps.Counter.RunningCount(ctx, spec.Name)
		if err != nil {
			ps.Error = err.Error()
		}
		ps.Running = n
	}
	if pm := r.deps.ProcessMetrics; pm != nil && pm.IsEnabled() {
		if agg, ok := pm.Latest(spec.Name); ok {
			ps.Usage = &agg
		}
	}
	return ps
}
