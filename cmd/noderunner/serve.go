package main

import (
	"context"
	"time"

	"github.com/aescanero/dagrun/internal/nodes"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve node execution requests on the command port",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	server := nodes.NewServer(rt.cfg.Sandbox.CommandPort, rt.workflow, rt.registry, rt.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	rt.logger.Info("node runner serving",
		zap.Int("port", rt.cfg.Sandbox.CommandPort),
		zap.Strings("node_types", rt.registry.Types()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
