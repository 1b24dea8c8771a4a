package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateCriterion(t *testing.T) {
	current := map[string]any{
		"email_sent_count":     int64(25),
		"response_rate":        0.45,
		"response_rate_avg":    0.15,
		"response_rate_latest": 0.20,
		"bounce_rate_avg":      0.02,
	}

	cases := []struct {
		criterion string
		want      bool
	}{
		{"email_sent_count > 20", true},
		{"email_sent_count >= 25", true},
		{"email_sent_count < 25", false},
		{"email_sent_count <= 25", true},
		{"email_sent_count == 25", true},
		{"email_sent_count != 25", false},
		// exact name wins over _latest and _avg
		{"response_rate > 0.4", true},
		// no exact "bounce_rate", falls through to bounce_rate_avg
		{"bounce_rate < 0.05", true},
		// missing metric is never satisfied
		{"unknown_metric > 0", false},
		// malformed criteria are never satisfied
		{"email_sent_count >", false},
		{"email_sent_count is high", false},
		{"email_sent_count > twenty", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EvaluateCriterion(tc.criterion, current), "criterion %q", tc.criterion)
	}
}

func TestEvaluateCriterionLatestFallback(t *testing.T) {
	current := map[string]any{
		"open_rate_latest": 0.30,
		"open_rate_avg":    0.10,
	}
	// no exact name: _latest is preferred over _avg
	assert.True(t, EvaluateCriterion("open_rate > 0.25", current))
	assert.False(t, EvaluateCriterion("open_rate < 0.2", current))
}
