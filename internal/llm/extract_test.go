package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFencedBlock(t *testing.T) {
	raw, err := ExtractJSON("Here is my decision:\n```json\n{\"action\": \"no_action\"}\n```\nDone.")
	require.NoError(t, err)
	assert.JSONEq(t, `{"action": "no_action"}`, raw)
}

func TestExtractJSONBareFence(t *testing.T) {
	raw, err := ExtractJSON("```\n{\"a\": 1}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, raw)
}

func TestExtractJSONBalancedBraces(t *testing.T) {
	raw, err := ExtractJSON(`I considered the metrics {"action": "kill_experiment", "payload": {"reason": "flat {braces} inside string"}} and decided.`)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &parsed))
	assert.Equal(t, "kill_experiment", parsed["action"])
}

func TestExtractJSONHandlesEscapedQuotes(t *testing.T) {
	raw, err := ExtractJSON(`{"reason": "user said \"stop\" twice"}`)
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &parsed))
	assert.Equal(t, `user said "stop" twice`, parsed["reason"])
}

func TestExtractJSONNoObject(t *testing.T) {
	for _, text := range []string{"no json here", "", "closing only }"} {
		_, err := ExtractJSON(text)
		assert.ErrorIs(t, err, ErrNoJSON, "input %q", text)
	}
}
