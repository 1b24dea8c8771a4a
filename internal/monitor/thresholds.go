package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/store"
)

// ExperimentReader lists the experiments whose criteria get checked.
type ExperimentReader interface {
	ActiveExperiments(ctx context.Context) ([]store.Experiment, error)
}

// ThresholdChecker periodically evaluates every active experiment's
// success and failure criteria against its derived metrics.
type ThresholdChecker struct {
	experiments ExperimentReader
	monitor     *Monitor
	gate        *Gate
	interval    time.Duration
}

// NewThresholdChecker builds the periodic criteria evaluator.
func NewThresholdChecker(experiments ExperimentReader, monitor *Monitor, gate *Gate, interval time.Duration) *ThresholdChecker {
	return &ThresholdChecker{
		experiments: experiments,
		monitor:     monitor,
		gate:        gate,
		interval:    interval,
	}
}

// Run checks thresholds on the configured interval until ctx ends.
func (t *ThresholdChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", t.interval).Msg("threshold checker running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckAll(ctx)
		}
	}
}

// CheckAll runs one evaluation sweep over every active experiment.
func (t *ThresholdChecker) CheckAll(ctx context.Context) {
	exps, err := t.experiments.ActiveExperiments(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active experiments for threshold check")
		return
	}
	for _, exp := range exps {
		t.check(ctx, exp)
	}
}

func (t *ThresholdChecker) check(ctx context.Context, exp store.Experiment) {
	current, err := t.monitor.Current(ctx, exp.ID)
	if err != nil {
		log.Error().Err(err).Str("experiment_id", exp.ID).Msg("failed to load aggregates for threshold check")
		return
	}
	if len(current) == 0 {
		return
	}

	for _, c := range exp.SuccessCriteria {
		if EvaluateCriterion(c, current) {
			msg := fmt.Sprintf("Experiment %s hit success: %s", exp.ID, c)
			t.sendThreshold(ctx, envelope.TypeSuccessThreshold, exp.ID, c, msg, "", current)
		}
	}
	for _, c := range exp.FailureCriteria {
		if EvaluateCriterion(c, current) {
			msg := fmt.Sprintf("Experiment %s hit failure: %s", exp.ID, c)
			t.sendThreshold(ctx, envelope.TypeFailureThreshold, exp.ID, c, msg, "high", current)
		}
	}
}

func (t *ThresholdChecker) sendThreshold(ctx context.Context, alertType, expID, criterion, msg, severity string, current map[string]any) {
	if !t.gate.SendWith(ctx, alertType, expID, msg, severity, map[string]any{
		"criterion":     criterion,
		"current_value": resolveCriterionValue(criterion, current),
	}) {
		return
	}
	log.Info().
		Str("experiment_id", expID).
		Str("alert_type", alertType).
		Str("criterion", criterion).
		Msg("threshold crossed")
}

func resolveCriterionValue(criterion string, current map[string]any) any {
	parts := strings.Fields(criterion)
	if len(parts) != 3 {
		return nil
	}
	if v, ok := resolveMetric(parts[0], current); ok {
		return v
	}
	return nil
}
