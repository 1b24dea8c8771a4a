package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fullsend/fabric/internal/monitor"
)

func monitorCmd(ctx context.Context, configPath *string) *cobra.Command {
	var noSummaryModel bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Aggregate experiment metrics, evaluate thresholds, raise alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(ctx, *configPath, "redis_agent")
			if err != nil {
				return err
			}
			defer rt.close()

			model := rt.model()
			if noSummaryModel {
				model = nil
			}
			svc := monitor.NewService(rt.store, rt.bus, model, rt.cfg, rt.metrics)
			if err := svc.Start(ctx, rt.router); err != nil {
				return err
			}
			log.Info().Msg("monitor started")
			return wait(ctx)
		},
	}
	cmd.Flags().BoolVar(&noSummaryModel, "no-summary-model", false, "use stub summaries instead of the LLM")
	return cmd
}
