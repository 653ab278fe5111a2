package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// RunFlags holds flags for the run command
type RunFlags struct {
	Listen         string
	SidecarCommand string
	NoServer       bool
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	Output string
}

// EventsFlags holds flags for the events command
type EventsFlags struct {
	Kinds []string
}

// DevSidecarFlags holds flags for the dev-sidecar command
type DevSidecarFlags struct {
	Listen     string
	ReadyAfter time.Duration
	FailFirst  int
	Heartbeat  time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createStatusCommand(globalFlags, &StatusFlags{}),
		createControlCommand(globalFlags, "open", "Show the main window", "open"),
		createControlCommand(globalFlags, "restart", "Restart the backend sidecar", "restart-backend"),
		createControlCommand(globalFlags, "onboarding", "Reset onboarding and show the main window", "run-onboarding"),
		createControlCommand(globalFlags, "quit", "Quit the running shell", "quit"),
		createEventsCommand(globalFlags, &EventsFlags{}),
		createDevSidecarCommand(&DevSidecarFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "dmxshell",
		Short: "Desktop shell supervisor for the dmx backend sidecar",
		Long: `dmxshell spawns the dmx-backend sidecar, waits for its health endpoint,
relays its output and keeps the tray and windows in step with it.

Examples:
  dmxshell run --config=dmxshell.toml
  dmxshell status -o table
  dmxshell restart
  dmxshell dev-sidecar --fail-first=3`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API URL (default from config server.listen)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "control API request timeout")
	return root
}
