// Package procmon wires the supervisor daemon together: inventory store,
// validator, launcher, scheduling engine, reconcile loop and the optional
// history, metrics and HTTP surfaces.
package procmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/procmon/internal/config"
	"github.com/loykin/procmon/internal/health"
	"github.com/loykin/procmon/internal/history"
	"github.com/loykin/procmon/internal/history/factory"
	"github.com/loykin/procmon/internal/inventory"
	"github.com/loykin/procmon/internal/launcher"
	"github.com/loykin/procmon/internal/metrics"
	"github.com/loykin/procmon/internal/monitor"
	"github.com/loykin/procmon/internal/proctable"
	"github.com/loykin/procmon/internal/scheduler"
	"github.com/loykin/procmon/internal/server"
	"github.com/loykin/procmon/internal/validator"
)

// Re-exported so embedders can name the core types.
type (
	Config      = config.Config
	ProcessSpec = inventory.ProcessSpec
	Inventory   = inventory.Inventory
	Window      = launcher.Window
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

const shutdownTimeout = 5 * time.Second

// Daemon owns every long-lived component of a running supervisor.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	Store     *inventory.Store
	Launcher  *launcher.Launcher
	Scheduler *scheduler.Engine
	Monitor   *monitor.Monitor
	Health    *health.Registry

	table     proctable.Table
	rec       *history.Recorder
	collector *metrics.ProcessMetricsCollector
}

// NewDaemon builds the component graph from cfg. Nothing runs until Run.
func NewDaemon(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Daemon{cfg: cfg, log: log}

	var sinks []history.Sink
	for _, dsn := range cfg.History.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	d.rec = history.NewRecorder(log, sinks...)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("register metrics failed", "err", err)
		}
	}
	d.collector = metrics.NewProcessMetricsCollector(cfg.Metrics.Process, log)
	if d.collector.IsEnabled() {
		if err := d.collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("register process metrics failed", "err", err)
		}
	}

	d.Store = inventory.NewStore(cfg.Inventory,
		inventory.WithCacheTTL(cfg.CacheTTL),
		inventory.WithDebounce(cfg.ReloadDebounce),
		inventory.WithLogger(log),
		inventory.WithReloadHook(d.onReload),
	)

	environ, err := cfg.BuildEnv()
	if err != nil {
		_ = d.rec.Close()
		return nil, err
	}
	d.table = proctable.NewOS(log)
	d.Launcher = launcher.New(validator.New(cfg.ValidatorOptions()), d.table,
		launcher.WithMaxConcurrentStarts(cfg.MaxConcurrentStarts),
		launcher.WithRetryBase(cfg.RetryBase),
		launcher.WithStopGrace(cfg.StopGrace),
		launcher.WithEnv(environ),
		launcher.WithOutput(cfg.ProcessLog),
		launcher.WithRecorder(d.rec),
		launcher.WithLogger(log),
	)
	d.Scheduler = scheduler.New(d.Launcher,
		scheduler.WithRecorder(d.rec),
		scheduler.WithLogger(log),
		scheduler.WithDailyRearm(cfg.DailyRearm),
	)
	d.Monitor = monitor.New(d.Store, d.Scheduler, d.Launcher,
		monitor.WithInterval(cfg.MonitoringInterval),
		monitor.WithErrorBackoff(cfg.ErrorBackoff),
		monitor.WithWindow(cfg.WindowPreference()),
		monitor.WithLogger(log),
		monitor.WithRecorder(d.rec),
	)

	d.Health = health.NewRegistry()
	d.Health.Register("configuration", health.Configuration(d.Store), health.TagReady)
	d.Health.Register("process_manager", health.ProcessManager(d.Launcher), health.TagReady, health.TagLive)
	d.Health.Register("disk_space", health.DiskSpace(cfg.Health.DiskPath, cfg.Health.MinFreeMB), health.TagReady)
	return d, nil
}

func (d *Daemon) onReload(err error) {
	metrics.IncConfigReload(err)
	if err != nil {
		d.rec.Record(context.Background(), history.Event{Type: history.EventError, Message: "reload failed: " + err.Error()})
		return
	}
	d.rec.Record(context.Background(), history.Event{Type: history.EventReload, Message: "inventory reloaded from " + d.Store.Path()})
}

// Run blocks until ctx is cancelled, then stops timers, the HTTP server and
// history sinks. Launched processes are left running.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.Store.Watch(gctx); err != nil {
			// hot reload is lost but the cached inventory keeps serving
			d.log.Error("inventory watch stopped", "path", d.Store.Path(), "err", err)
		}
		return nil
	})
	g.Go(func() error { return d.Monitor.Run(gctx) })
	d.collector.Start(gctx, d.livePIDs)

	var srv *http.Server
	if d.cfg.HTTP.Listen != "" {
		srv = server.NewServer(d.cfg.HTTP.Listen, d.Router())
		d.log.Info("http server listening", "addr", d.cfg.HTTP.Listen, "base_path", d.cfg.HTTP.BasePath)
	}

	err := g.Wait()
	d.log.Info("shutting down")
	d.Scheduler.Close()
	d.collector.Stop()
	var errs []error
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := srv.Shutdown(sctx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errs = append(errs, serr)
		}
		cancel()
	}
	errs = append(errs, err, d.rec.Close())
	return errors.Join(errs...)
}

// Router returns the read-only HTTP surface for mounting elsewhere.
func (d *Daemon) Router() *server.Router {
	return server.NewRouter(server.Deps{
		Health:         d.Health,
		Inventory:      d.Store,
		Counter:        d.Launcher,
		Tasks:          d.Scheduler.Tasks,
		State:          func() string { return d.Monitor.State().String() },
		ProcessMetrics: d.collector,
	}, d.cfg.HTTP.BasePath)
}

// StopAll terminates every live instance of name.
func (d *Daemon) StopAll(ctx context.Context, name string) bool {
	return d.Launcher.StopAll(ctx, name)
}

// Close releases history sinks for a daemon that was never Run.
func (d *Daemon) Close() error {
	d.Scheduler.Close()
	return d.rec.Close()
}

func (d *Daemon) livePIDs(ctx context.Context) map[string][]int32 {
	inv := d.Store.Current()
	if inv == nil {
		return nil
	}
	out := make(map[string][]int32, len(inv.Processes))
	for _, spec := range inv.Processes {
		procs, err := d.table.List(ctx, spec.Name)
		if err != nil {
			d.log.Debug("list processes failed", "name", spec.Name, "err", err)
			continue
		}
		for _, p := range procs {
			out[spec.Name] = append(out[spec.Name], p.PID)
		}
	}
	return out
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
