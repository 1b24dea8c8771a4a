package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/llm"
)

const systemPrompt = `You are the strategic orchestrator of an autonomous go-to-market system.
You receive escalations, alerts, and periodic summaries, and you decide the
next move: launch experiments, request tools, answer humans, prune what is
failing, or do nothing. Be decisive and conservative with resources.`

// Agent makes one Decision per inbound envelope using the reasoning model
// with an extended-thinking budget, bounded by a hard timeout.
type Agent struct {
	model *llm.Retrier
	store ContextStore
	cfg   config.Config
}

// NewAgent builds the decision agent.
func NewAgent(model *llm.Retrier, store ContextStore, cfg config.Config) *Agent {
	return &Agent{model: model, store: store, cfg: cfg}
}

// Decide assembles the decision prompt, calls the model under the
// thinking deadline, and parses the reply. Every failure mode returns a
// typed fallback Decision; Decide never errors.
func (a *Agent) Decide(ctx context.Context, msg envelope.Envelope) Decision {
	strategic := LoadContext(ctx, a.store)
	prompt := buildPrompt(msg, strategic)

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.ThinkingTimeout())
	defer cancel()

	resp, err := a.model.Complete(callCtx, llm.Request{
		System:         systemPrompt,
		Prompt:         prompt,
		MaxTokens:      a.cfg.OrchestratorMaxTokens,
		ThinkingBudget: a.cfg.OrchestratorThinkingBudget,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Error().
				Int("timeout_seconds", a.cfg.ThinkingTimeoutSeconds).
				Str("msg_type", msg.Type()).
				Msg("orchestrator thinking timed out")
			return FallbackTimeout(a.cfg.ThinkingTimeoutSeconds)
		}
		kind := llm.ErrKind(err)
		log.Error().Err(err).Str("kind", kind.String()).Msg("orchestrator model call failed")
		return FallbackError(kind, err.Error(), msg.Type(), msg.Source())
	}

	if resp.Thinking != "" {
		log.Debug().Int("thinking_chars", len(resp.Thinking)).Msg("extended thinking captured")
	}

	d := ParseDecision(resp.Text)
	log.Info().
		Str("action", d.Action).
		Str("priority", d.Priority).
		Str("action_id", d.ActionID).
		Str("reasoning", truncate(d.Reasoning, 100)).
		Msg("decision made")
	return d
}

func buildPrompt(msg envelope.Envelope, c Context) string {
	raw, _ := json.MarshalIndent(msg, "", "  ")

	actions := make([]string, 0, len(ValidActions))
	for a := range ValidActions {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	var b strings.Builder
	fmt.Fprintf(&b, "## Incoming Message\nType: %s\nSource: %s\nPriority: %s\n\n",
		orUnknown(msg.Type()), orUnknown(msg.Source()), orUnknown(msg.GetString("priority")))
	fmt.Fprintf(&b, "Content:\n%s\n\n", raw)
	fmt.Fprintf(&b, "## Current Context\n\n### Product\n%s\n\n", orPlaceholder(c.Product, "(no product context available)"))
	fmt.Fprintf(&b, "### Worklist\n%s\n\n", orPlaceholder(c.Worklist, "(no worklist available)"))
	fmt.Fprintf(&b, "### Strategic Learnings\n%s\n\n", c.learningsSection())
	fmt.Fprintf(&b, "### Active Experiments\n%s\n\n", c.experimentsSection())
	fmt.Fprintf(&b, "### Available Tools\n%s\n\n", c.toolsSection())
	fmt.Fprintf(&b, "### Recent Metrics\n%s\n\n", c.metricsSection())
	fmt.Fprintf(&b, `## Your Task
Analyze this message and decide what action to take.

Output your decision as a JSON object:
{"action": "<action>", "reasoning": "<brief explanation>", "payload": {...}, "priority": "low|medium|high|urgent"}

Valid actions: %s
`, strings.Join(actions, ", "))
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}
