// Command noderunner is the runtime baked into the sandbox image. "serve"
// runs the command server a persistent sandbox exposes; "run" executes the
// embedded workflow once and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Version is set by build flags
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "noderunner",
	Short:         "Execute workflow nodes inside a sandbox",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "noderunner: %v\n", err)
		stop()
		os.Exit(1)
	}
}
