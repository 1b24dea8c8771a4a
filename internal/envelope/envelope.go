// Package envelope defines the self-describing message record carried on
// every bus channel. An envelope is a flat JSON object with a mandatory
// "type" discriminator; "source" and "timestamp" are stamped at publish
// time when absent. Unknown types are the receiver's problem: components
// dispatch on Type() against a closed set and drop what they don't know.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is one bus message. Once published it is data, not a reference;
// handlers receive their own decoded copy.
type Envelope map[string]any

// Message types understood by the fabric.
const (
	TypeRawChat              = "raw_chat"
	TypeEscalation           = "escalation"
	TypeAlert                = "alert"
	TypeErrorAlert           = "error"
	TypeSuccessThreshold     = "success_threshold"
	TypeFailureThreshold     = "failure_threshold"
	TypePeriodicSummary      = "periodic_summary"
	TypeOrchestratorResponse = "orchestrator_response"
	TypeWatcherResponse      = "watcher_response"
	TypeExperimentRequest    = "experiment_request"
	TypeExperimentStarted    = "experiment_started"
	TypeExperimentCompleted  = "experiment_completed"
	TypeExperimentFailed     = "experiment_failed"
	TypeToolPRD              = "tool_prd"
	TypeToolBuilt            = "tool_built"
	TypeToolBuildFailed      = "tool_build_failed"
	TypeBuilderStarted       = "builder_started"
	TypeBuilderCompleted     = "builder_completed"
	TypeBuilderFailed        = "builder_failed"
)

// ErrInvalid is returned by Decode for payloads that are not a JSON object
// or carry no usable "type" field.
var ErrInvalid = fmt.Errorf("invalid envelope")

// Decode parses raw JSON into an Envelope. Metric events are the one wire
// shape without a "type" field, so requireType lets the metrics channel
// opt out of that check.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if env == nil {
		return nil, ErrInvalid
	}
	return env, nil
}

// DecodeTyped parses raw JSON and rejects envelopes without a type.
func DecodeTyped(data []byte) (Envelope, error) {
	env, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type() == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalid)
	}
	return env, nil
}

// Encode renders the envelope as JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Type returns the message type discriminator, or "" if absent.
func (e Envelope) Type() string { return e.GetString("type") }

// Source returns the publishing service name, or "" if absent.
func (e Envelope) Source() string { return e.GetString("source") }

// Timestamp parses the RFC3339 timestamp field; the zero time if absent
// or malformed.
func (e Envelope) Timestamp() time.Time {
	t, err := time.Parse(time.RFC3339, e.GetString("timestamp"))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Stamp fills in source and timestamp if the publisher left them unset.
func (e Envelope) Stamp(source string, now time.Time) {
	if e.GetString("source") == "" && source != "" {
		e["source"] = source
	}
	if e.GetString("timestamp") == "" {
		e["timestamp"] = now.UTC().Format(time.RFC3339)
	}
}

// GetString returns the named field as a string, or "".
func (e Envelope) GetString(key string) string {
	if s, ok := e[key].(string); ok {
		return s
	}
	return ""
}

// GetFloat returns the named field as a float64. The second return is
// false when the field is absent or not numeric.
func (e Envelope) GetFloat(key string) (float64, bool) {
	switch v := e[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// GetBool returns the named field as a bool, defaulting to false.
func (e Envelope) GetBool(key string) bool {
	b, _ := e[key].(bool)
	return b
}

// GetMap returns the named field as a nested object, or nil.
func (e Envelope) GetMap(key string) map[string]any {
	m, _ := e[key].(map[string]any)
	return m
}

// Clone returns a shallow copy. Handlers that mutate an envelope before
// republishing must clone first; fan-out shares the decoded map.
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// New builds an envelope of the given type from a field map.
func New(typ string, fields map[string]any) Envelope {
	env := Envelope{"type": typ}
	for k, v := range fields {
		env[k] = v
	}
	return env
}

// NewExperimentRequest builds the experiment_request wire shape published
// to the experiment submitter.
func NewExperimentRequest(idea any, context, priority, reasoning string, now time.Time) Envelope {
	return Envelope{
		"type":                   TypeExperimentRequest,
		"idea":                   idea,
		"context":                context,
		"priority":               priority,
		"requested_at":           now.UTC().Format(time.RFC3339),
		"orchestrator_reasoning": reasoning,
	}
}

// NewToolPRD builds the tool_prd wire shape for the Builder. notifyChannel
// and notifyMessage ride along when non-empty so the completion path can
// reach back to chat.
func NewToolPRD(prd any, priority, reasoning, notifyChannel, notifyMessage string, now time.Time) Envelope {
	env := Envelope{
		"type":                   TypeToolPRD,
		"prd":                    prd,
		"requested_by":           "orchestrator",
		"priority":               priority,
		"requested_at":           now.UTC().Format(time.RFC3339),
		"orchestrator_reasoning": reasoning,
	}
	if notifyChannel != "" {
		env["notify_channel"] = notifyChannel
	}
	if notifyMessage != "" {
		env["notify_message"] = notifyMessage
	}
	return env
}

// NewOrchestratorResponse builds the chat-bound response shape.
func NewOrchestratorResponse(channelID, content, replyTo, priority string) Envelope {
	env := Envelope{
		"type":       TypeOrchestratorResponse,
		"channel_id": channelID,
		"content":    content,
		"priority":   priority,
	}
	if replyTo != "" {
		env["reply_to"] = replyTo
	}
	return env
}

// NewAlert builds a monitor alert. Severity may be empty.
func NewAlert(typ, experimentID, message, severity string) Envelope {
	env := Envelope{
		"type":          typ,
		"experiment_id": experimentID,
		"message":       message,
	}
	if severity != "" {
		env["severity"] = severity
	}
	return env
}
