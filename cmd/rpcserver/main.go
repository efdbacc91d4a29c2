// Command rpcserver serves the application's procedures over HTTP, SSE and
// WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags.
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rpcserver",
		Short: "Typed RPC server with queries, mutations and subscriptions",
		Long: `rpcserver exposes named procedures over JSON-RPC (POST /rpc),
Server-Sent Events (GET /rpc/<procedure>) and WebSocket (/ws), or to a
single local client over stdin and stdout.

Configuration is read from RPC_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		stdioCmd(),
		exportCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
