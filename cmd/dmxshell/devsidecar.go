package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/dmxshell/internal/devsidecar"
)

func createDevSidecarCommand(f *DevSidecarFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev-sidecar",
		Short: "Serve a stand-in backend health endpoint for development",
		Long: `dev-sidecar answers GET /healthz like the real backend so the shell can be
run without building it, e.g. with sidecar.command = "dmxshell dev-sidecar".

Examples:
  dmxshell dev-sidecar --fail-first=3
  dmxshell dev-sidecar --ready-after=5s --heartbeat=1s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s := devsidecar.New(devsidecar.Options{
				Listen:     f.Listen,
				ReadyAfter: f.ReadyAfter,
				FailFirst:  f.FailFirst,
				Heartbeat:  f.Heartbeat,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			return s.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", devsidecar.DefaultListen, "listen address")
	cmd.Flags().DurationVar(&f.ReadyAfter, "ready-after", 0, "answer 503 until this long after start")
	cmd.Flags().IntVar(&f.FailFirst, "fail-first", 0, "answer 503 to the first n health checks")
	cmd.Flags().DurationVar(&f.Heartbeat, "heartbeat", 0, "write a heartbeat line to stderr at this interval")
	return cmd
}
