package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/dmxshell"
	"github.com/loykin/dmxshell/internal/config"
	"github.com/loykin/dmxshell/internal/logger"
	"github.com/loykin/dmxshell/pkg/client"
)

func createRunCommand(g *GlobalFlags, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the desktop shell in the foreground",
		Long: `Run spawns the backend sidecar, probes its health endpoint and serves the
control API until interrupted or until quit is requested.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			if f.Listen != "" {
				cfg.Server.Listen = f.Listen
			}
			if f.NoServer {
				cfg.Server.Enabled = false
			}
			if f.SidecarCommand != "" {
				cfg.Sidecar.Command = f.SidecarCommand
				cfg.Sidecar.Path = ""
			}

			log, closer, err := logger.New(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			app, err := dmxshell.New(cfg, dmxshell.WithLogger(log))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "control API listen address (overrides config)")
	cmd.Flags().StringVar(&f.SidecarCommand, "sidecar-command", "", "command line to launch instead of the bundled sidecar")
	cmd.Flags().BoolVar(&f.NoServer, "no-server", false, "do not start the control API")
	return cmd
}

func createStatusCommand(g *GlobalFlags, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend status of the running shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.APITimeout)
			defer cancel()
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out, err := renderStatus(st, f.Output)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

// createControlCommand builds a command that sends name to the control API.
func createControlCommand(g *GlobalFlags, use, short, name string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.APITimeout)
			defer cancel()
			resp, err := c.Command(ctx, name)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (generation %d)\n", resp.Command, resp.Generation)
			return err
		},
	}
}

func createEventsCommand(g *GlobalFlags, f *EventsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow UI events of the running shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := cmd.OutOrStdout()
			return c.Events(ctx, f.Kinds, func(e client.Event) bool {
				_, _ = fmt.Fprintln(w, formatEvent(e))
				return e.Kind != "exit"
			})
		},
	}
	cmd.Flags().StringSliceVar(&f.Kinds, "kind", nil, "only these effect kinds (emit, tooltip, notify, dialog, window, splash, exit)")
	return cmd
}

// newAPIClient resolves the control API URL from --api-url or the config.
func newAPIClient(g *GlobalFlags) (*client.Client, error) {
	u, err := apiURL(g)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: u, Timeout: g.APITimeout}), nil
}

func apiURL(g *GlobalFlags) (string, error) {
	if g.APIUrl != "" {
		return g.APIUrl, nil
	}
	if g.ConfigPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.Listen + strings.TrimRight(cfg.Server.Base, "/"), nil
}
