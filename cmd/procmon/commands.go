package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/loykin/procmon"
	"github.com/loykin/procmon/internal/config"
	"github.com/loykin/procmon/internal/inventory"
	"github.com/loykin/procmon/internal/logger"
	"github.com/loykin/procmon/internal/proctable"
	"github.com/loykin/procmon/internal/validator"
)

var errInvalidInventory = errors.New("inventory has invalid processes")

// loadSettings reads settings and applies the --inventory override or a
// positional inventory argument.
func loadSettings(global *GlobalFlags, args []string) (*config.Config, error) {
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		return nil, err
	}
	switch {
	case len(args) > 0:
		cfg.Inventory = args[0]
	case global.Inventory != "":
		cfg.Inventory = global.Inventory
	}
	return cfg, nil
}

func createRunCommand(global *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor until interrupted",
		Long: `Run loads the inventory, arms schedules and reconciles instance counts
every monitoring interval. SIGINT or SIGTERM stops the daemon; launched
processes keep running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(global, nil)
			if err != nil {
				return err
			}
			if flags.Daemonize {
				return daemonize(flags.PidFile, flags.LogFile)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the background daemon PID here")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect background daemon output to file")
	return cmd
}

func lockPath(cfg *config.Config) string {
	if cfg.LockFile != "" {
		return cfg.LockFile
	}
	return absOrSelf(cfg.Inventory) + ".lock"
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	lock := flock.New(lockPath(cfg))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another procmon already supervises %s (lock %s)", cfg.Inventory, lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	d, err := procmon.NewDaemon(cfg, log)
	if err != nil {
		return err
	}
	log.Info("procmon starting", "inventory", cfg.Inventory, "interval", cfg.MonitoringInterval, "pid", os.Getpid())
	return d.Run(ctx)
}

func createValidateCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [inventory.json]",
		Short: "Check every process in an inventory without starting anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(global, args)
			if err != nil {
				return err
			}
			inv, err := inventory.Load(cfg.Inventory)
			if err != nil {
				return err
			}
			return validateInventory(cmd.OutOrStdout(), inv, validator.New(cfg.ValidatorOptions()))
		},
	}
}

func validateInventory(w io.Writer, inv *inventory.Inventory, v *validator.Validator) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Name", "Mode", "Valid", "Problems"})
	bad := 0
	for _, spec := range inv.Processes {
		res := v.ValidateSpec(spec)
		if !res.Valid {
			bad++
		}
		t.AppendRow(table.Row{spec.Name, spec.Mode(), yesNo(res.Valid), strings.Join(res.Errors, "\n")})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d of %d invalid", bad, len(inv.Processes))})
	t.Render()
	if bad > 0 {
		return errInvalidInventory
	}
	return nil
}

func createListCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [inventory.json]",
		Short: "Show the inventory with live instance counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(global, args)
			if err != nil {
				return err
			}
			inv, err := inventory.Load(cfg.Inventory)
			if err != nil {
				return err
			}
			return listInventory(cmd.Context(), cmd.OutOrStdout(), inv, proctable.NewOS(logger.Discard()))
		},
	}
}

func listInventory(ctx context.Context, w io.Writer, inv *inventory.Inventory, tbl proctable.Table) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if inv.Version != "" {
		t.SetTitle("version " + inv.Version)
	}
	t.AppendHeader(table.Row{"Name", "Enabled", "Mode", "Schedule", "Count", "Running", "Retries", "Retry Delay", "Path"})
	for _, spec := range inv.Processes {
		running := "-"
		if n, err := tbl.Count(ctx, spec.Name); err == nil {
			running = strconv.Itoa(n)
		}
		t.AppendRow(table.Row{
			spec.Name, yesNo(spec.Enabled), spec.Mode(), schedule(spec), spec.DesiredCount, running,
			spec.MaxRetries, time.Duration(spec.RetryDelaySeconds) * time.Second, spec.ExecutablePath,
		})
	}
	t.Render()
	return nil
}

func schedule(spec inventory.ProcessSpec) string {
	switch spec.Mode() {
	case inventory.ModePeriodic:
		return "every " + spec.Interval().String()
	case inventory.ModeDaily:
		return "at " + spec.ScheduleTime
	}
	return "-"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Terminate every running instance of a process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.Name == "" {
				return errors.New("--name is required")
			}
			cfg, err := loadSettings(global, nil)
			if err != nil {
				return err
			}
			if flags.Timeout > 0 {
				cfg.StopGrace = flags.Timeout
			}
			cfg.HTTP.Listen = ""
			d, err := procmon.NewDaemon(cfg, logger.Discard())
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()
			if !d.StopAll(cmd.Context(), flags.Name) {
				return fmt.Errorf("some instances of %s could not be stopped", flags.Name)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", flags.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name from the inventory")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "grace period before killing (default from settings)")
	return cmd
}

func absOrSelf(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
