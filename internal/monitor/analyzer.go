package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/llm"
)

// SpecReader loads the metrics an experiment declared at submission.
type SpecReader interface {
	MetricsSpec(ctx context.Context, experimentID string) (map[string]string, error)
}

// Analyzer publishes a periodic summary of all active experiments to
// the orchestrator. With a model it writes a short narrative; without
// one it falls back to a counting stub.
type Analyzer struct {
	experiments ExperimentReader
	specs       SpecReader
	monitor     *Monitor
	pub         Publisher
	channel     string
	model       *llm.Retrier
	interval    time.Duration
}

// NewAnalyzer builds the summary loop. model may be nil.
func NewAnalyzer(experiments ExperimentReader, specs SpecReader, monitor *Monitor, pub Publisher, channel string, model *llm.Retrier, interval time.Duration) *Analyzer {
	return &Analyzer{
		experiments: experiments,
		specs:       specs,
		monitor:     monitor,
		pub:         pub,
		channel:     channel,
		model:       model,
		interval:    interval,
	}
}

// Run emits summaries on the configured interval until ctx ends.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", a.interval).Msg("analyzer running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Summarize(ctx)
		}
	}
}

// Summarize builds and publishes one periodic summary.
func (a *Analyzer) Summarize(ctx context.Context) {
	exps, err := a.experiments.ActiveExperiments(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list experiments for summary")
		return
	}
	if len(exps) == 0 {
		log.Debug().Msg("no active experiments, skipping summary")
		return
	}

	var briefs []string
	for _, exp := range exps {
		current, err := a.monitor.Current(ctx, exp.ID)
		if err != nil {
			log.Error().Err(err).Str("experiment_id", exp.ID).Msg("failed to load metrics for summary")
			continue
		}
		briefs = append(briefs, brief(exp.ID, exp.State, current, a.declared(ctx, exp.ID)))
	}

	summary := a.narrate(ctx, len(exps), briefs)
	env := envelope.New(envelope.TypePeriodicSummary, map[string]any{
		"summary":          summary,
		"experiment_count": len(exps),
	})
	if _, err := a.pub.Publish(ctx, a.channel, env); err != nil {
		log.Error().Err(err).Msg("failed to publish periodic summary")
		return
	}
	log.Info().Int("experiments", len(exps)).Msg("periodic summary published")
}

func (a *Analyzer) narrate(ctx context.Context, count int, briefs []string) string {
	fallback := fmt.Sprintf("Summary of %d experiments:\n%s", count, strings.Join(briefs, "\n"))
	if a.model == nil {
		return fallback
	}
	resp, err := a.model.Complete(ctx, llm.Request{
		System:    "You summarize experiment telemetry for a strategic decision maker. Be terse and concrete.",
		Prompt:    fmt.Sprintf("Summarize the state of these %d experiments in a short paragraph:\n\n%s", count, strings.Join(briefs, "\n")),
		MaxTokens: 500,
	})
	if err != nil {
		log.Warn().Err(err).Msg("summary model call failed, using stub summary")
		return fallback
	}
	return resp.Text
}

// declared lists the metric names the experiment promised at
// submission; missing or unreadable specs read as none.
func (a *Analyzer) declared(ctx context.Context, experimentID string) []string {
	if a.specs == nil {
		return nil
	}
	spec, err := a.specs.MetricsSpec(ctx, experimentID)
	if err != nil {
		log.Debug().Err(err).Str("experiment_id", experimentID).Msg("failed to load metrics spec")
		return nil
	}
	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func brief(id, state string, current map[string]any, declared []string) string {
	var parts []string
	for _, name := range MetricNames(current) {
		parts = append(parts, fmt.Sprintf("%s=%v", name, current[name]))
		if len(parts) == 6 {
			break
		}
	}
	if state == "" {
		state = "active"
	}
	if len(parts) == 0 {
		line := fmt.Sprintf("- %s (%s): no metrics yet", id, state)
		if len(declared) > 0 {
			line += fmt.Sprintf(" (tracking %s)", strings.Join(declared, ", "))
		}
		return line
	}
	return fmt.Sprintf("- %s (%s): %s", id, state, strings.Join(parts, ", "))
}
