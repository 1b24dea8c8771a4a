package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fullsend/fabric/internal/orchestrator"
	"github.com/fullsend/fabric/internal/subprocess"
)

func orchestratorCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the strategic decision loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(ctx, *configPath, "orchestrator")
			if err != nil {
				return err
			}
			defer rt.close()

			agent := orchestrator.NewAgent(rt.model(), rt.store, rt.cfg)
			dispatcher := orchestrator.NewDispatcher(rt.bus, rt.store, subprocess.New(), rt.cfg, rt.metrics)
			svc := orchestrator.NewService(agent, dispatcher, rt.cfg)
			if err := svc.Start(ctx, rt.router); err != nil {
				return err
			}
			log.Info().Msg("orchestrator started")
			return wait(ctx)
		},
	}
}
