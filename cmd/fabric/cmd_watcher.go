package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fullsend/fabric/internal/watcher"
)

func watcherCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watcher",
		Short: "Classify raw chat traffic and answer or escalate",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(ctx, *configPath, "watcher")
			if err != nil {
				return err
			}
			defer rt.close()

			model := rt.model()
			svc := watcher.NewService(
				watcher.NewClassifier(model, rt.cfg),
				watcher.NewResponder(model, rt.store, rt.cfg),
				rt.bus,
				rt.cfg.Channels(),
			)
			if err := svc.Start(ctx, rt.router); err != nil {
				return err
			}
			log.Info().Msg("watcher started")
			return wait(ctx)
		},
	}
}
