package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Inventory  string
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "procmon",
		Short: "Keep a declared set of processes running",
		Long: `procmon reconciles a JSON process inventory against the running system:
continuous processes are kept at their instance count, daily processes start
at a time of day and periodic processes are started whenever none is running.

Examples:
  procmon run --config procmon.toml
  procmon validate processlist.json
  procmon list processlist.json
  procmon stop --name worker`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to settings file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&global.Inventory, "inventory", "", "path to the process inventory (overrides settings)")

	root.AddCommand(
		createRunCommand(global),
		createValidateCommand(global),
		createListCommand(global),
		createStopCommand(global),
	)
	return root
}
