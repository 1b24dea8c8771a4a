package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullsend/fabric/internal/envelope"
)

type staticSpecs map[string]map[string]string

func (s staticSpecs) MetricsSpec(ctx context.Context, id string) (map[string]string, error) {
	return s[id], nil
}

func TestSummarizePublishesStubWithoutModel(t *testing.T) {
	st := newMemStore()
	mon := New(st, nil)
	ctx := context.Background()
	mon.HandleMetric(ctx, envelope.Envelope{"experiment_id": "exp-1", "event": "email_sent"})

	pub := &capturePub{}
	exps := staticExperiments{{ID: "exp-1", State: "active"}}
	a := NewAnalyzer(exps, nil, mon, pub, "summaries", nil, time.Hour)
	a.Summarize(ctx)

	require.Equal(t, 1, pub.count())
	env := pub.envs[0]
	assert.Equal(t, envelope.TypePeriodicSummary, env.Type())
	count, ok := env.GetFloat("experiment_count")
	require.True(t, ok)
	assert.Equal(t, 1, int(count))
	assert.Contains(t, env.GetString("summary"), "exp-1 (active)")
	assert.Contains(t, env.GetString("summary"), "email_sent_count=1")
}

func TestSummarizeSkipsWhenNothingActive(t *testing.T) {
	pub := &capturePub{}
	a := NewAnalyzer(staticExperiments{}, nil, New(newMemStore(), nil), pub, "summaries", nil, time.Hour)
	a.Summarize(context.Background())
	assert.Zero(t, pub.count())
}

func TestSummarizeListsDeclaredMetricsBeforeData(t *testing.T) {
	pub := &capturePub{}
	exps := staticExperiments{{ID: "exp-1", State: "active"}}
	specs := staticSpecs{"exp-1": {
		"response_rate": "replies / emails sent",
		"email_sent":    "outbound email count",
	}}
	a := NewAnalyzer(exps, specs, New(newMemStore(), nil), pub, "summaries", nil, time.Hour)
	a.Summarize(context.Background())

	require.Equal(t, 1, pub.count())
	summary := pub.envs[0].GetString("summary")
	assert.Contains(t, summary, "no metrics yet")
	assert.Contains(t, summary, "tracking email_sent, response_rate")
}
