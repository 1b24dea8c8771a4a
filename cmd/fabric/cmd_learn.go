package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func learnCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "learn [text]",
		Short: "Record a tactical learning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("learning text is empty")
			}
			rt, err := newRuntime(ctx, *configPath, "operator")
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.store.AppendLearning(ctx, text); err != nil {
				return err
			}
			log.Info().Int("chars", len(text)).Msg("learning recorded")
			return nil
		},
	}
}
