// Package watcher classifies inbound chat traffic and answers the simple
// queries itself. Everything it cannot answer escalates to the
// orchestrator; every failure path also escalates, so a broken model
// never silences a human.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/llm"
)

// Classification actions.
const (
	ActionIgnore   = "ignore"
	ActionAnswer   = "answer"
	ActionEscalate = "escalate"
)

var validClassifierActions = map[string]bool{
	ActionIgnore:   true,
	ActionAnswer:   true,
	ActionEscalate: true,
}

// ValidPriorities is shared by classifications and decisions.
var ValidPriorities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
	"urgent": true,
}

// Classification is the classifier's verdict on one raw message.
type Classification struct {
	Action            string `json:"action"`
	Reason            string `json:"reason"`
	Priority          string `json:"priority"`
	SuggestedResponse string `json:"suggested_response,omitempty"`
}

// FailSafe is the classification emitted on any parse or API failure:
// escalate toward human oversight rather than drop.
func FailSafe(reason string) Classification {
	return Classification{
		Action:   ActionEscalate,
		Reason:   reason,
		Priority: "medium",
	}
}

// ParseClassification parses a model reply. Unknown actions coerce to
// escalate and unknown priorities to medium, each with a warning; a reply
// with no JSON at all yields the fail-safe.
func ParseClassification(text string) Classification {
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		log.Warn().Str("raw", truncate(text, 200)).Msg("classification response had no JSON, escalating")
		return FailSafe("classification failure")
	}

	var data struct {
		Action            string `json:"action"`
		Reason            string `json:"reason"`
		Priority          string `json:"priority"`
		SuggestedResponse string `json:"suggested_response"`
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		log.Warn().Err(err).Msg("classification JSON unparseable, escalating")
		return FailSafe("classification failure")
	}

	action := data.Action
	if !validClassifierActions[action] {
		log.Warn().Str("action", action).Msg("unknown classification action, coercing to escalate")
		action = ActionEscalate
	}
	priority := data.Priority
	if !ValidPriorities[priority] {
		log.Warn().Str("priority", priority).Msg("unknown classification priority, coercing to medium")
		priority = "medium"
	}
	reason := data.Reason
	if reason == "" {
		reason = "no reason provided"
	}

	return Classification{
		Action:            action,
		Reason:            reason,
		Priority:          priority,
		SuggestedResponse: data.SuggestedResponse,
	}
}

const classifyPrompt = `You triage chat messages for an autonomous go-to-market system.

Message from %s in #%s (mentions bot: %t):
%s

Classify it. Reply with a JSON object:
{"action": "ignore" | "answer" | "escalate", "reason": "...", "priority": "low" | "medium" | "high" | "urgent", "suggested_response": "..."}

- ignore: chatter with no bearing on the system
- answer: a simple status question you can answer from current state
- escalate: anything needing a strategic decision`

// Classifier maps raw chat envelopes to classifications.
type Classifier struct {
	model *llm.Retrier
	cfg   config.Config
}

// NewClassifier builds a classifier over the given retry-wrapped model.
func NewClassifier(model *llm.Retrier, cfg config.Config) *Classifier {
	return &Classifier{model: model, cfg: cfg}
}

// Classify renders the templated prompt and calls the classification
// model under bounded tokens and low temperature. Any failure yields the
// fail-safe escalate/medium.
func (c *Classifier) Classify(ctx context.Context, msg envelope.Envelope) Classification {
	prompt := fmt.Sprintf(classifyPrompt,
		msg.GetString("username"),
		msg.GetString("channel_name"),
		msg.GetBool("mentions_bot"),
		msg.GetString("content"),
	)

	resp, err := c.model.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: c.cfg.ClassificationTemperature,
		MaxTokens:   c.cfg.ClassificationMaxTokens,
	})
	if err != nil {
		log.Error().Err(err).Str("kind", llm.ErrKind(err).String()).Msg("classification call failed, escalating")
		return FailSafe("classification failure")
	}
	return ParseClassification(resp.Text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
