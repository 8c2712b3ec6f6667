// Package health exposes read-only probes over the daemon's collaborators.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/procmon/internal/inventory"
)

type Status string

const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
)

const (
	TagReady = "ready"
	TagLive  = "live"

	checkTimeout = 5 * time.Second
)

type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of one Run. Status is Unhealthy if any check is.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

type CheckFunc func(ctx context.Context) Result

type entry struct {
	name string
	tags map[string]bool
	fn   CheckFunc
}

type Registry struct {
	mu     sync.RWMutex
	checks []entry
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(name string, fn CheckFunc, tags ...string) {
	e := entry{name: name, tags: make(map[string]bool, len(tags)), fn: fn}
	for _, t := range tags {
		e.tags[t] = true
	}
	r.mu.Lock()
	r.checks = append(r.checks, e)
	r.mu.Unlock()
}

// Run executes every check carrying tag, or all checks when tag is empty.
func (r *Registry) Run(ctx context.Context, tag string) Report {
	r.mu.RLock()
	var sel []entry
	for _, e := range r.checks {
		if tag == "" || e.tags[tag] {
			sel = append(sel, e)
		}
	}
	r.mu.RUnlock()

	results := make([]Result, len(sel))
	var g errgroup.Group
	for i, e := range sel {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			began := time.Now()
			res := e.fn(cctx)
			res.Name = e.name
			res.Duration = time.Since(began)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: Healthy, Checks: results}
	for _, res := range results {
		if res.Status != Healthy {
			rep.Status = Unhealthy
		}
	}
	return rep
}

type InventorySource interface {
	GetInventory(ctx context.Context) (*inventory.Inventory, error)
}

// Configuration is healthy when an inventory with at least one process is loaded.
func Configuration(src InventorySource) CheckFunc {
	return func(ctx context.Context) Result {
		inv, err := src.GetInventory(ctx)
		if err != nil {
			return Result{Status: Unhealthy, Message: fmt.Sprintf("configuration not loaded: %v", err)}
		}
		if inv == nil || len(inv.Processes) == 0 {
			return Result{Status: Unhealthy, Message: "configuration has no processes"}
		}
		return Result{Status: Healthy, Message: fmt.Sprintf("%d processes configured", len(inv.Processes))}
	}
}

type ProcessCounter interface {
	RunningCount(ctx context.Context, name string) (int, error)
}

// ProcessManager is healthy when the OS process table can be queried.
func ProcessManager(pc ProcessCounter) CheckFunc {
	return func(ctx context.Context) Result {
		if _, err := pc.RunningCount(ctx, "procmon-health-probe"); err != nil {
			return Result{Status: Unhealthy, Message: fmt.Sprintf("process table unavailable: %v", err)}
		}
		return Result{Status: Healthy, Message: "process manager operational"}
	}
}

// DiskSpace is healthy when the volume holding path has at least minFreeMB free.
func DiskSpace(path string, minFreeMB uint64) CheckFunc {
	return func(ctx context.Context) Result {
		u, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return Result{Status: Unhealthy, Message: fmt.Sprintf("disk usage of %s: %v", path, err)}
		}
		freeMB := u.Free / (1024 * 1024)
		msg := fmt.Sprintf("%d MB free on %s", freeMB, path)
		if freeMB < minFreeMB {
			return Result{Status: Unhealthy, Message: msg + fmt.Sprintf(", need %d MB", minFreeMB)}
		}
		return Result{Status: Healthy, Message: msg}
	}
}
