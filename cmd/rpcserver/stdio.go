package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/rpc-server-go/internal/config"
	"github.com/ggoodman/rpc-server-go/stdio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func stdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve one client over stdin and stdout",
		Long: `Stdio serves the procedures to a single client speaking newline-delimited
JSON-RPC on stdin and stdout, with the same subscription.start and
subscription.stop messages as the WebSocket transport. Logs go to stderr.

The caller is identified as the current OS user. Procedures that need the
HTTP request, such as those reading cookies, fail over this transport.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := cfg.NewLogger(os.Stderr)
			rt, err := newRuntime(ctx, cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer rt.Close()

			h := stdio.NewHandler(rt.router,
				stdio.WithIO(cmd.InOrStdin(), cmd.OutOrStdout()),
				stdio.WithLogger(log),
			)
			if err := h.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}
