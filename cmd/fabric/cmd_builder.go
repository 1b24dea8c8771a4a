package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fullsend/fabric/internal/builder"
	"github.com/fullsend/fabric/internal/subprocess"
)

func builderCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "builder",
		Short: "Build tools from orchestrator PRDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(ctx, *configPath, "builder")
			if err != nil {
				return err
			}
			defer rt.close()

			if len(rt.cfg.BuilderCommand) == 0 {
				return fmt.Errorf("builder_command is not configured")
			}
			svc := builder.NewService(rt.bus, rt.store, subprocess.New(), rt.cfg)
			if err := svc.Start(ctx, rt.router); err != nil {
				return err
			}
			log.Info().Msg("builder started")
			return wait(ctx)
		},
	}
}
