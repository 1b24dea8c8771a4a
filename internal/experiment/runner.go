package experiment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/store"
	"github.com/fullsend/fabric/internal/telemetry"
)

// Publisher is the outbound bus surface for lifecycle and metric events.
type Publisher interface {
	Publish(ctx context.Context, channel string, env envelope.Envelope) (int64, error)
}

// RunStore is the persistence the runner needs.
type RunStore interface {
	Experiment(ctx context.Context, id string) (store.Experiment, error)
	SetExperimentState(ctx context.Context, id, state string) error
	SaveRun(ctx context.Context, runID string, fields map[string]string) error
	PushRecentRun(ctx context.Context, entry string) error
}

// Runner executes one experiment end to end: state bookkeeping, the
// tool call with timeout and transient-failure retries, the run record,
// and the lifecycle envelopes.
type Runner struct {
	store    RunStore
	registry *Registry
	pub      Publisher
	channels config.Channels
	metrics  *telemetry.Metrics

	toolTimeout   time.Duration
	retryAttempts int
	retryBase     time.Duration
	retryMax      time.Duration
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewRunner builds the experiment runner.
func NewRunner(st RunStore, registry *Registry, pub Publisher, cfg config.Config, m *telemetry.Metrics) *Runner {
	return &Runner{
		store:         st,
		registry:      registry,
		pub:           pub,
		channels:      cfg.Channels(),
		metrics:       m,
		toolTimeout:   cfg.ToolExecutionTimeout(),
		retryAttempts: cfg.ModelRetryAttempts,
		retryBase:     cfg.ModelRetryBase(),
		retryMax:      cfg.ModelRetryMax(),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// WithClock overrides the runner clock. Test hook.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run executes one experiment. Archived experiments are refused; every
// other failure lands in a run record and an experiment_failed envelope
// rather than an error return.
func (r *Runner) Run(ctx context.Context, experimentID string) error {
	exp, err := r.store.Experiment(ctx, experimentID)
	if err != nil {
		return fmt.Errorf("loading experiment %s: %w", experimentID, err)
	}
	if exp.State == StateArchived {
		log.Warn().Str("experiment_id", experimentID).Msg("refusing to run archived experiment")
		return fmt.Errorf("%w: experiment %s is archived", ErrIllegalTransition, experimentID)
	}
	if err := Transition(exp.State, StateRunning); err != nil {
		return err
	}
	if err := r.store.SetExperimentState(ctx, experimentID, StateRunning); err != nil {
		return fmt.Errorf("marking experiment running: %w", err)
	}

	started := r.now()
	runID := fmt.Sprintf("%s:%d", experimentID, started.Unix())
	r.publish(ctx, r.channels.ToOrchestrator, envelope.New(envelope.TypeExperimentStarted, map[string]any{
		"experiment_id": experimentID,
		"run_id":        runID,
		"tool":          exp.Tool,
	}))
	r.metricEvent(ctx, experimentID, "run_started", nil)

	result, runErr := r.execute(ctx, exp)
	duration := r.now().Sub(started)

	if runErr != nil {
		r.recordFailure(ctx, exp, runID, duration, runErr)
		return nil
	}
	r.recordSuccess(ctx, exp, runID, duration, result)
	return nil
}

// execute resolves and invokes the tool, retrying transient failures
// with exponential backoff. The per-attempt deadline is the tool
// execution timeout.
func (r *Runner) execute(ctx context.Context, exp store.Experiment) (any, error) {
	tool, err := r.registry.Resolve(ctx, exp.Tool)
	if err != nil {
		return nil, err
	}

	delay := r.retryBase
	var lastErr error
	for attempt := 1; attempt <= r.retryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.toolTimeout)
		result, err := tool(attemptCtx, exp.Params)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			return result, nil
		}
		if timedOut {
			return nil, &ToolTimeoutError{Tool: exp.Tool, TimeoutSeconds: int(r.toolTimeout.Seconds())}
		}
		if !errors.Is(err, ErrTransient) {
			return nil, &ToolError{Tool: exp.Tool, Err: err}
		}

		lastErr = err
		log.Warn().Err(err).
			Str("tool", exp.Tool).
			Int("attempt", attempt).
			Msg("transient tool failure")
		if attempt == r.retryAttempts {
			break
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, &ToolError{Tool: exp.Tool, Err: err}
		}
		if delay *= 2; delay > r.retryMax {
			delay = r.retryMax
		}
	}
	return nil, &ToolRetryExhaustedError{Tool: exp.Tool, Attempts: r.retryAttempts, LastErr: lastErr}
}

func (r *Runner) recordSuccess(ctx context.Context, exp store.Experiment, runID string, duration time.Duration, result any) {
	summary := fmt.Sprintf("%v", result)
	if len(summary) > 500 {
		summary = summary[:500]
	}
	fields := map[string]string{
		"status":           "completed",
		"duration_seconds": formatSeconds(duration),
		"result_summary":   summary,
		"timestamp":        r.now().UTC().Format(time.RFC3339),
	}
	if err := r.store.SaveRun(ctx, runID, fields); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("failed to save run record")
	}
	r.setTerminalState(ctx, exp.ID, StateRun)
	if err := r.store.PushRecentRun(ctx, runID); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("failed to record recent run")
	}

	r.publish(ctx, r.channels.ToOrchestrator, envelope.New(envelope.TypeExperimentCompleted, map[string]any{
		"experiment_id":    exp.ID,
		"run_id":           runID,
		"duration_seconds": duration.Seconds(),
		"result_summary":   summary,
	}))
	r.metricEvent(ctx, exp.ID, "run_completed", map[string]any{"duration_seconds": duration.Seconds()})
	if r.metrics != nil {
		r.metrics.ExperimentRuns.WithLabelValues("completed").Inc()
	}
	log.Info().
		Str("experiment_id", exp.ID).
		Str("run_id", runID).
		Dur("duration", duration).
		Msg("experiment run completed")
}

func (r *Runner) recordFailure(ctx context.Context, exp store.Experiment, runID string, duration time.Duration, runErr error) {
	errType := ErrorTypeOf(runErr)
	fields := map[string]string{
		"status":           "failed",
		"error_type":       errType,
		"error":            runErr.Error(),
		"duration_seconds": formatSeconds(duration),
		"timestamp":        r.now().UTC().Format(time.RFC3339),
	}
	switch e := runErr.(type) {
	case *ToolTimeoutError:
		fields["timeout_seconds"] = strconv.Itoa(e.TimeoutSeconds)
	case *ToolRetryExhaustedError:
		fields["retry_attempts"] = strconv.Itoa(e.Attempts)
		if e.LastErr != nil {
			fields["last_transient_error"] = e.LastErr.Error()
			fields["last_transient_error_type"] = fmt.Sprintf("%T", e.LastErr)
		}
	}
	if err := r.store.SaveRun(ctx, runID, fields); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("failed to save run record")
	}
	r.setTerminalState(ctx, exp.ID, StateFailed)

	r.publish(ctx, r.channels.ToOrchestrator, envelope.New(envelope.TypeExperimentFailed, map[string]any{
		"experiment_id": exp.ID,
		"run_id":        runID,
		"error_type":    errType,
		"error":         runErr.Error(),
	}))
	r.metricEvent(ctx, exp.ID, "run_failed", map[string]any{"error_type": errType})
	if r.metrics != nil {
		r.metrics.ExperimentRuns.WithLabelValues("failed").Inc()
	}
	log.Error().Err(runErr).
		Str("experiment_id", exp.ID).
		Str("run_id", runID).
		Str("error_type", errType).
		Msg("experiment run failed")
}

// setTerminalState writes the post-run state unless the experiment was
// archived while the run was in flight; archived stays archived.
func (r *Runner) setTerminalState(ctx context.Context, id, state string) {
	if exp, err := r.store.Experiment(ctx, id); err == nil && exp.State == StateArchived {
		log.Warn().Str("experiment_id", id).Msg("experiment archived mid-run, leaving state untouched")
		return
	}
	if err := r.store.SetExperimentState(ctx, id, state); err != nil {
		log.Error().Err(err).Str("experiment_id", id).Str("state", state).Msg("failed to set experiment state")
	}
}

func (r *Runner) publish(ctx context.Context, channel string, env envelope.Envelope) {
	if _, err := r.pub.Publish(ctx, channel, env); err != nil {
		log.Error().Err(err).Str("channel", channel).Str("type", env.Type()).Msg("failed to publish lifecycle event")
	}
}

func (r *Runner) metricEvent(ctx context.Context, experimentID, event string, extra map[string]any) {
	env := envelope.Envelope{"experiment_id": experimentID, "event": event}
	for k, v := range extra {
		env[k] = v
	}
	if _, err := r.pub.Publish(ctx, r.channels.Metrics, env); err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to publish metric event")
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
