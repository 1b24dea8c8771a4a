// Package orchestrator holds the strategic decision pipeline: the Agent
// turns bus envelopes into validated Decisions under a hard thinking
// deadline, and the Dispatcher turns Decisions into side effects on the
// bus, the store, and subprocesses.
package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/llm"
)

// Decision actions.
const (
	ActionDispatchToFullsend = "dispatch_to_fullsend"
	ActionDispatchToBuilder  = "dispatch_to_builder"
	ActionRespondToDiscord   = "respond_to_discord"
	ActionUpdateWorklist     = "update_worklist"
	ActionRecordLearning     = "record_learning"
	ActionKillExperiment     = "kill_experiment"
	ActionInitiateRoundtable = "initiate_roundtable"
	ActionNoAction           = "no_action"
)

// ValidActions is the closed action set; parse coerces anything else to
// no_action.
var ValidActions = map[string]bool{
	ActionDispatchToFullsend: true,
	ActionDispatchToBuilder:  true,
	ActionRespondToDiscord:   true,
	ActionUpdateWorklist:     true,
	ActionRecordLearning:     true,
	ActionKillExperiment:     true,
	ActionInitiateRoundtable: true,
	ActionNoAction:           true,
}

// ValidPriorities is the closed priority set; parse coerces to medium.
var ValidPriorities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
	"urgent": true,
}

// Decision is the orchestrator's validated action record. ActionID is an
// opaque UUID assigned at parse time.
type Decision struct {
	ActionID           string
	Action             string
	Reasoning          string
	Payload            map[string]any
	Priority           string
	ExperimentID       string // required when Action == kill_experiment
	ContextForFullsend string
}

// FallbackTimeout is the safe Decision when thinking exceeds its deadline:
// tell the user we're still working.
func FallbackTimeout(timeoutSeconds int) Decision {
	return Decision{
		ActionID:  uuid.NewString(),
		Action:    ActionRespondToDiscord,
		Reasoning: fmt.Sprintf("Thinking timed out after %ds; acknowledging the user.", timeoutSeconds),
		Payload: map[string]any{
			"content": "I'm still thinking about this. Will update soon.",
		},
		Priority: "medium",
	}
}

// FallbackError is the typed fallback for model failures, carrying the
// error context in the payload for audit.
func FallbackError(kind llm.Kind, errMsg, origType, origSource string) Decision {
	return Decision{
		ActionID:  uuid.NewString(),
		Action:    ActionNoAction,
		Reasoning: fmt.Sprintf("Model call failed (%s); will retry on the next message cycle.", kind),
		Payload: map[string]any{
			"error_type":            kind.String(),
			"error_message":         truncate(errMsg, 500),
			"original_message_type": origType,
			"original_source":       origSource,
		},
		Priority: "low",
	}
}

// ParseDecision parses a model reply into a Decision. The closure holds
// for every input: the returned action and priority are always members of
// the valid sets. Parse failures yield no_action/low with the raw text
// preserved for audit.
func ParseDecision(text string) Decision {
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		log.Error().Msg("decision response had no JSON")
		return Decision{
			ActionID:  uuid.NewString(),
			Action:    ActionNoAction,
			Reasoning: "no JSON in model response",
			Payload:   map[string]any{"raw_response": truncate(text, 500)},
			Priority:  "low",
		}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		log.Error().Err(err).Msg("decision JSON unparseable")
		return Decision{
			ActionID:  uuid.NewString(),
			Action:    ActionNoAction,
			Reasoning: fmt.Sprintf("JSON parse error: %v", err),
			Payload:   map[string]any{"raw_response": truncate(text, 500)},
			Priority:  "low",
		}
	}

	action, _ := data["action"].(string)
	if !ValidActions[action] {
		log.Warn().Str("action", action).Msg("unknown decision action, coercing to no_action")
		action = ActionNoAction
	}
	priority, _ := data["priority"].(string)
	if !ValidPriorities[priority] {
		if priority != "" {
			log.Warn().Str("priority", priority).Msg("unknown decision priority, coercing to medium")
		}
		priority = "medium"
	}
	reasoning, _ := data["reasoning"].(string)
	if reasoning == "" {
		log.Warn().Msg("decision missing reasoning")
	}

	payload, _ := data["payload"].(map[string]any)
	if payload == nil {
		if v, ok := data["payload"]; ok && v != nil {
			payload = map[string]any{"value": v}
		} else {
			payload = map[string]any{}
		}
	}

	d := Decision{
		ActionID:  uuid.NewString(),
		Action:    action,
		Reasoning: reasoning,
		Payload:   payload,
		Priority:  priority,
	}

	if action == ActionKillExperiment {
		if id, ok := data["experiment_id"].(string); ok {
			d.ExperimentID = id
		} else if id, ok := payload["experiment_id"].(string); ok {
			d.ExperimentID = id
		}
		if d.ExperimentID == "" {
			log.Warn().Msg("kill_experiment decision missing experiment_id")
		}
	}
	if action == ActionDispatchToFullsend {
		if c, ok := data["context_for_fullsend"].(string); ok {
			d.ContextForFullsend = c
		} else if c, ok := payload["context"].(string); ok {
			d.ContextForFullsend = c
		}
	}

	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
