package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is the resource usage of one OS process at a point in time.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Aggregate sums the samples of every instance of one inventory name.
type Aggregate struct {
	Name          string    `json:"name"`
	Instances     int       `json:"instances"`
	TotalCPU      float64   `json:"total_cpu_percent"`
	TotalMemoryMB float64   `json:"total_memory_mb"`
	Samples       []Sample  `json:"samples"`
	Timestamp     time.Time `json:"timestamp"`
}

type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ProcessMetricsCollector polls CPU and memory for the PIDs returned by a
// lookup function. Nothing in the supervisor depends on it.
type ProcessMetricsCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int
	log        *slog.Logger

	mu      sync.RWMutex
	latest  map[string]Aggregate
	history map[string][]Aggregate
	handles map[int32]*process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
}

func NewProcessMetricsCollector(cfg ProcessMetricsConfig, l *slog.Logger) *ProcessMetricsCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if l == nil {
		l = slog.Default()
	}
	return &ProcessMetricsCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		log:        l,
		latest:     make(map[string]Aggregate),
		history:    make(map[string][]Aggregate),
		handles:    make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Summed CPU usage of all instances of a supervised name.",
		}, []string{"name"}),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Summed resident memory in MB of all instances of a supervised name.",
		}, []string{"name"}),
	}
}

func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }

func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start polls until ctx is cancelled or Stop is called. lookup returns the
// live PIDs per supervised name.
func (c *ProcessMetricsCollector) Start(ctx context.Context, lookup func(ctx context.Context) map[string][]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx, lookup(ctx))
			}
		}
	}()
}

func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every given PID and updates the gauges.
func (c *ProcessMetricsCollector) Collect(ctx context.Context, procs map[string][]int32) {
	now := time.Now()
	aggs := make(map[string]Aggregate, len(procs))
	seen := make(map[int32]struct{})
	for name, pids := range procs {
		agg := Aggregate{Name: name, Timestamp: now}
		for _, pid := range pids {
			seen[pid] = struct{}{}
			s, err := c.sample(ctx, pid, now)
			if err != nil {
				c.log.Debug("process sample failed", "name", name, "pid", pid, "err", err)
				continue
			}
			agg.Instances++
			agg.TotalCPU += s.CPUPercent
			agg.TotalMemoryMB += s.MemoryMB
			agg.Samples = append(agg.Samples, s)
		}
		aggs[name] = agg
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for pid := range c.handles {
		if _, ok := seen[pid]; !ok {
			delete(c.handles, pid)
		}
	}
	for name := range c.latest {
		if _, ok := aggs[name]; !ok {
			delete(c.latest, name)
			delete(c.history, name)
			c.cpuPercent.DeleteLabelValues(name)
			c.memoryMB.DeleteLabelValues(name)
		}
	}
	for name, agg := range aggs {
		c.latest[name] = agg
		h := append(c.history[name], agg)
		if len(h) > c.maxHistory {
			h = h[len(h)-c.maxHistory:]
		}
		c.history[name] = h
		c.cpuPercent.WithLabelValues(name).Set(agg.TotalCPU)
		c.memoryMB.WithLabelValues(name).Set(agg.TotalMemoryMB)
	}
}

func (c *ProcessMetricsCollector) sample(ctx context.Context, pid int32, now time.Time) (Sample, error) {
	c.mu.RLock()
	p := c.handles[pid]
	c.mu.RUnlock()
	if p == nil {
		np, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return Sample{}, fmt.Errorf("open process: %w", err)
		}
		p = np
		c.mu.Lock()
		c.handles[pid] = p
		c.mu.Unlock()
	}
	// CPUPercent is measured between calls on the same handle
	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory info: %w", err)
	}
	threads, _ := p.NumThreadsWithContext(ctx)
	return Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  now,
	}, nil
}

// Latest returns the most recent aggregate for name.
func (c *ProcessMetricsCollector) Latest(name string) (Aggregate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.latest[name]
	return a, ok
}

// History returns up to MaxHistory aggregates for name, oldest first.
func (c *ProcessMetricsCollector) History(name string) []Aggregate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Aggregate(nil), c.history[name]...)
}
