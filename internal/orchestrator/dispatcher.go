package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/subprocess"
	"github.com/fullsend/fabric/internal/telemetry"
)

// Publisher is the outbound side of the bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, env envelope.Envelope) (int64, error)
}

// DispatchStore is the persistence surface the dispatcher writes through.
type DispatchStore interface {
	SetWorklist(ctx context.Context, content string) error
	AppendLearning(ctx context.Context, text string) error
	ArchiveExperiment(ctx context.Context, id, reason, by string) error
}

// RoundtableResult is the outcome of a multi-agent roundtable session.
type RoundtableResult struct {
	Summary    string
	Transcript []any
	Err        error
}

// Dispatcher executes a Decision's side effects. Failures are logged and
// absorbed so a bad action can never take down the message loop.
type Dispatcher struct {
	pub      Publisher
	store    DispatchStore
	sup      *subprocess.Supervisor
	channels config.Channels
	cfg      config.Config
	metrics  *telemetry.Metrics
}

// NewDispatcher wires the dispatcher to its outputs.
func NewDispatcher(pub Publisher, st DispatchStore, sup *subprocess.Supervisor, cfg config.Config, m *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		pub:      pub,
		store:    st,
		sup:      sup,
		channels: cfg.Channels(),
		cfg:      cfg,
		metrics:  m,
	}
}

// Execute performs the decided action. original is the envelope that
// triggered the decision; it supplies reply routing and payload context.
func (d *Dispatcher) Execute(ctx context.Context, dec Decision, original envelope.Envelope) {
	if d.metrics != nil {
		d.metrics.Decisions.WithLabelValues(dec.Action).Inc()
	}

	switch dec.Action {
	case ActionDispatchToFullsend:
		d.dispatchToFullsend(ctx, dec)
	case ActionDispatchToBuilder:
		d.dispatchToBuilder(ctx, dec, original)
	case ActionRespondToDiscord:
		d.respondToDiscord(ctx, dec, original)
	case ActionUpdateWorklist:
		d.updateWorklist(ctx, dec)
	case ActionRecordLearning:
		d.recordLearning(ctx, dec)
	case ActionKillExperiment:
		d.killExperiment(ctx, dec)
	case ActionInitiateRoundtable:
		d.initiateRoundtable(ctx, dec)
	case ActionNoAction:
		log.Info().Str("reasoning", truncate(dec.Reasoning, 200)).Msg("no action taken")
	default:
		// ParseDecision guarantees a valid action, but guard anyway.
		log.Warn().Str("action", dec.Action).Msg("unknown action, ignoring")
	}
}

func (d *Dispatcher) dispatchToFullsend(ctx context.Context, dec Decision) {
	env := envelope.NewExperimentRequest(dec.Payload, dec.ContextForFullsend, dec.Priority, dec.Reasoning, time.Now())
	if _, err := d.pub.Publish(ctx, d.channels.ToFullsend, env); err != nil {
		log.Error().Err(err).Str("action_id", dec.ActionID).Msg("failed to dispatch experiment request")
		return
	}
	log.Info().Str("action_id", dec.ActionID).Msg("experiment request dispatched")
}

func (d *Dispatcher) dispatchToBuilder(ctx context.Context, dec Decision, original envelope.Envelope) {
	payload := envelope.Envelope(dec.Payload)
	prd := dec.Payload
	if nested := payload.GetMap("prd"); nested != nil {
		prd = nested
	}
	notifyChannel := payload.GetString("notify_channel")
	if notifyChannel == "" {
		notifyChannel = original.GetString("notify_channel")
	}
	notifyMessage := payload.GetString("notify_message")
	if notifyMessage == "" {
		notifyMessage = original.GetString("notify_message")
	}
	env := envelope.NewToolPRD(prd, dec.Priority, dec.Reasoning, notifyChannel, notifyMessage, time.Now())
	if _, err := d.pub.Publish(ctx, d.channels.BuilderTasks, env); err != nil {
		log.Error().Err(err).Msg("failed to dispatch tool PRD")
		return
	}
	log.Info().Str("action_id", dec.ActionID).Msg("tool PRD dispatched to builder")
}

// respondToDiscord resolves the destination channel in a fixed order:
// the escalation's embedded original message, then the triggering
// envelope, then the decision payload. Without a channel the response
// is dropped.
func (d *Dispatcher) respondToDiscord(ctx context.Context, dec Decision, original envelope.Envelope) {
	payload := envelope.Envelope(dec.Payload)

	channelID := ""
	if om := original.GetMap("original_message"); om != nil {
		channelID = envelope.Envelope(om).GetString("channel_id")
	}
	if channelID == "" {
		channelID = original.GetString("channel_id")
	}
	if channelID == "" {
		channelID = original.GetString("notify_channel")
	}
	if channelID == "" {
		channelID = payload.GetString("channel_id")
	}
	if channelID == "" {
		channelID = payload.GetString("notify_channel")
	}
	if channelID == "" {
		log.Warn().Str("action_id", dec.ActionID).Msg("respond_to_discord with no resolvable channel, dropping")
		return
	}

	content := payload.GetString("content")
	if content == "" {
		content = payload.GetString("message")
	}
	if content == "" {
		content = original.GetString("notify_message")
	}
	if content == "" {
		content = "Acknowledged."
	}

	replyTo := ""
	if om := original.GetMap("original_message"); om != nil {
		replyTo = envelope.Envelope(om).GetString("message_id")
	}
	if replyTo == "" {
		replyTo = original.GetString("message_id")
	}

	env := envelope.NewOrchestratorResponse(channelID, content, replyTo, dec.Priority)
	if _, err := d.pub.Publish(ctx, d.channels.FromOrchestrator, env); err != nil {
		log.Error().Err(err).Str("channel_id", channelID).Msg("failed to publish discord response")
		return
	}
	log.Info().Str("channel_id", channelID).Msg("discord response published")
}

func (d *Dispatcher) updateWorklist(ctx context.Context, dec Decision) {
	payload := envelope.Envelope(dec.Payload)
	content := payload.GetString("content")
	if content == "" {
		content = payload.GetString("worklist")
	}
	if content == "" {
		log.Warn().Msg("update_worklist with empty content, skipping")
		return
	}
	if err := d.store.SetWorklist(ctx, content); err != nil {
		log.Error().Err(err).Msg("failed to update worklist")
		return
	}
	log.Info().Int("chars", len(content)).Msg("worklist updated")
}

func (d *Dispatcher) recordLearning(ctx context.Context, dec Decision) {
	payload := envelope.Envelope(dec.Payload)
	text := payload.GetString("learning")
	if text == "" {
		text = payload.GetString("insight")
	}
	if text == "" {
		text = payload.GetString("content")
	}
	if text == "" {
		log.Warn().Msg("record_learning with empty payload, skipping")
		return
	}
	if err := d.store.AppendLearning(ctx, text); err != nil {
		log.Error().Err(err).Msg("failed to record learning")
		return
	}
	log.Info().Str("learning", truncate(text, 120)).Msg("learning recorded")
}

func (d *Dispatcher) killExperiment(ctx context.Context, dec Decision) {
	if dec.ExperimentID == "" {
		log.Warn().Str("action_id", dec.ActionID).Msg("kill_experiment without experiment_id, skipping")
		return
	}
	reason := envelope.Envelope(dec.Payload).GetString("reason")
	if reason == "" {
		reason = dec.Reasoning
	}
	if err := d.store.ArchiveExperiment(ctx, dec.ExperimentID, reason, "orchestrator"); err != nil {
		log.Error().Err(err).Str("experiment_id", dec.ExperimentID).Msg("failed to archive experiment")
		return
	}
	log.Info().
		Str("experiment_id", dec.ExperimentID).
		Str("reason", truncate(reason, 120)).
		Msg("experiment archived")
}

func (d *Dispatcher) initiateRoundtable(ctx context.Context, dec Decision) {
	res := d.RunRoundtable(ctx, dec)
	if res.Err != nil {
		log.Error().Err(res.Err).Str("action_id", dec.ActionID).Msg("roundtable failed")
		return
	}
	log.Info().
		Int("transcript_turns", len(res.Transcript)).
		Str("summary", truncate(res.Summary, 160)).
		Msg("roundtable completed")
}

// RunRoundtable spawns the roundtable subprocess with the decision
// payload on stdin and collects its JSON verdict.
func (d *Dispatcher) RunRoundtable(ctx context.Context, dec Decision) RoundtableResult {
	if len(d.cfg.RoundtableCommand) == 0 {
		return RoundtableResult{Err: fmt.Errorf("roundtable command not configured")}
	}

	input := map[string]any{
		"topic":     envelope.Envelope(dec.Payload).GetString("topic"),
		"payload":   dec.Payload,
		"reasoning": dec.Reasoning,
	}
	res := d.sup.Run(ctx, subprocess.Cmd{
		Argv:    d.cfg.RoundtableCommand,
		Input:   input,
		Env:     map[string]string{"ROUNDTABLE_MAX_ROUNDS": fmt.Sprintf("%d", d.cfg.RoundtableMaxRounds)},
		Timeout: d.cfg.RoundtableTimeout(),
	})
	if res.Err != nil {
		if res.TimedOut {
			return RoundtableResult{Err: fmt.Errorf("roundtable timed out after %s: %w", d.cfg.RoundtableTimeout(), res.Err)}
		}
		return RoundtableResult{Err: fmt.Errorf("roundtable subprocess: %w (stderr: %s)", res.Err, strings.TrimSpace(res.Stderr))}
	}

	out := envelope.Envelope(res.Output)
	rt := RoundtableResult{Summary: out.GetString("summary")}
	if t, ok := res.Output["transcript"].([]any); ok {
		rt.Transcript = t
	}
	return rt
}
