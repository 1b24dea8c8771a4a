package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Two email_sent events and three response_rate observations of
// 0.10, 0.15, 0.20 should merge to count 2, sum 0.45, avg 0.15,
// latest 0.20.
func TestCurrentMetricsMergesEventsAndObservations(t *testing.T) {
	raw := map[string]string{
		"email_sent_count":     "2",
		"email_opened_count":   "1",
		"response_rate_sum":    "0.45",
		"response_rate_count":  "3",
		"response_rate_latest": "0.2",
		"last_updated":         "2025-06-01T12:00:00Z",
	}
	got := CurrentMetrics(raw)

	assert.Equal(t, int64(2), got["email_sent_count"])
	assert.Equal(t, int64(1), got["email_opened_count"])
	assert.InDelta(t, 0.45, got["response_rate"].(float64), 1e-9)
	assert.InDelta(t, 0.15, got["response_rate_avg"].(float64), 1e-9)
	assert.InDelta(t, 0.20, got["response_rate_latest"].(float64), 1e-9)
	assert.Equal(t, "2025-06-01T12:00:00Z", got["last_updated"])
}

func TestCurrentMetricsIgnoresOrphanSums(t *testing.T) {
	got := CurrentMetrics(map[string]string{"latency_sum": "3.5"})
	_, ok := got["latency"]
	assert.False(t, ok, "a sum without a count is not a metric")
}

func TestCurrentMetricsEmptyInput(t *testing.T) {
	assert.Empty(t, CurrentMetrics(nil))
	assert.Empty(t, CurrentMetrics(map[string]string{}))
}

func TestMetricNamesStableAndSkipsBookkeeping(t *testing.T) {
	current := map[string]any{
		"b_count":      int64(1),
		"a":            1.0,
		"last_updated": "x",
	}
	assert.Equal(t, []string{"a", "b_count"}, MetricNames(current))
}
