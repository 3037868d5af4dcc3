package main

import (
	"fmt"

	"github.com/aescanero/dagrun/internal/application/broadcast"
	"github.com/aescanero/dagrun/internal/application/engine"
	"github.com/aescanero/dagrun/internal/nodes"
	redisstorage "github.com/aescanero/dagrun/pkg/adapters/storage/redis"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the embedded workflow once with in-process nodes",
	Long: `Run executes every node of the embedded workflow in this process and
records progress in the shared store. The exit status is zero only when the
run completed.`,
	RunE: runWorkflow,
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	eng := engine.New(engine.Dependencies{
		Graph:       redisstorage.NewGraphStore(rt.redis, rt.logger),
		States:      redisstorage.NewStateStorage(rt.redis, rt.cfg.Redis.StateTTL, rt.logger),
		Sandboxes:   nodes.NewLocalBackend(rt.registry, rt.logger),
		Broadcaster: broadcast.New(rt.broker, nil, rt.logger),
		Registry:    engine.NewRegistry(),
		Logger:      rt.logger,
	}, engine.Config{
		MaxParallel:       rt.cfg.Engine.MaxParallel,
		HeartbeatInterval: rt.cfg.Engine.HeartbeatInterval,
	})

	if err := eng.Load(rt.workflow); err != nil {
		return err
	}

	status, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	rt.logger.Info("workflow run finished", zap.String("status", string(status)))
	if status != domain.RunStatusCompleted {
		return fmt.Errorf("workflow run %s", status)
	}
	return nil
}
