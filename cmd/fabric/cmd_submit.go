package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fullsend/fabric/internal/store"
)

func submitCmd(ctx context.Context, configPath *string) *cobra.Command {
	var (
		id         string
		hypothesis string
		tool       string
		paramsJSON string
		success    []string
		failure    []string
		metrics    []string
		cronExpr   string
		timezone   string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Register an experiment with its criteria and schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || tool == "" {
				return fmt.Errorf("--id and --tool are required")
			}
			rt, err := newRuntime(ctx, *configPath, "submitter")
			if err != nil {
				return err
			}
			defer rt.close()

			exp := store.Experiment{
				ID:              id,
				State:           "active",
				Hypothesis:      hypothesis,
				Tool:            tool,
				SuccessCriteria: success,
				FailureCriteria: failure,
			}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &exp.Params); err != nil {
					return fmt.Errorf("parsing --params: %w", err)
				}
			}
			spec, err := parseMetricsSpec(metrics)
			if err != nil {
				return err
			}
			if err := rt.store.CreateExperiment(ctx, exp); err != nil {
				return err
			}
			if len(spec) > 0 {
				if err := rt.store.SetMetricsSpec(ctx, id, spec); err != nil {
					return err
				}
			}
			if cronExpr != "" {
				sched := store.Schedule{Cron: cronExpr, Timezone: timezone, Enabled: true}
				if err := rt.store.SetSchedule(ctx, id, sched); err != nil {
					return err
				}
			}
			log.Info().Str("experiment_id", id).Str("tool", tool).Msg("experiment submitted")
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "experiment id")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "what this experiment tests")
	cmd.Flags().StringVar(&tool, "tool", "", "tool to run")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "tool parameters as JSON")
	cmd.Flags().StringArrayVar(&success, "success", nil, "success criterion 'metric op threshold' (repeatable)")
	cmd.Flags().StringArrayVar(&failure, "failure", nil, "failure criterion 'metric op threshold' (repeatable)")
	cmd.Flags().StringArrayVar(&metrics, "metric", nil, "declared metric 'name=description' (repeatable)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "run schedule (5-field cron)")
	cmd.Flags().StringVar(&timezone, "tz", "", "schedule timezone, default UTC")
	return cmd
}

func parseMetricsSpec(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	spec := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, desc, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parsing --metric %q: want name=description", p)
		}
		spec[name] = desc
	}
	return spec, nil
}
