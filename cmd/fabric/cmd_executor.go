package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fullsend/fabric/internal/experiment"
)

func executorCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "executor",
		Short: "Run scheduled experiments against the tool registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(ctx, *configPath, "executor")
			if err != nil {
				return err
			}
			defer rt.close()

			registry := experiment.NewRegistry(rt.store)
			registerBuiltinTools(registry)

			runner := experiment.NewRunner(rt.store, registry, rt.bus, rt.cfg, rt.metrics)
			svc := experiment.NewService(rt.store, runner, rt.cfg.ExecutorTick())
			log.Info().Strs("tools", registry.Names()).Msg("executor started")
			svc.Run(ctx)
			return nil
		},
	}
}

// registerBuiltinTools installs the tools compiled into this binary.
// Built tools are picked up by name once the builder marks them active;
// unknown names fail the run with a tool-not-found record.
func registerBuiltinTools(r *experiment.Registry) {
	r.Register("noop", func(ctx context.Context, params map[string]any) (any, error) {
		return "ok", nil
	})
}
