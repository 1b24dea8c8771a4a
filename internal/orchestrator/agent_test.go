package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/llm"
	"github.com/fullsend/fabric/internal/store"
)

type emptyStore struct{}

func (emptyStore) Product(ctx context.Context) (string, error)  { return "", nil }
func (emptyStore) Worklist(ctx context.Context) (string, error) { return "", nil }
func (emptyStore) RecentLearnings(ctx context.Context, n int64) ([]string, error) {
	return nil, nil
}
func (emptyStore) ActiveExperiments(ctx context.Context) ([]store.Experiment, error) {
	return nil, nil
}
func (emptyStore) ActiveTools(ctx context.Context) ([]string, error) { return nil, nil }
func (emptyStore) AggSnapshot(ctx context.Context, experimentID string) (map[string]string, error) {
	return nil, nil
}

// slowClient blocks until the context expires.
type slowClient struct{}

func (slowClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	<-ctx.Done()
	return llm.Response{}, ctx.Err()
}

type cannedClient struct{ text string }

func (c cannedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: c.text}, nil
}

type failingClient struct{ err error }

func (c failingClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{}, c.err
}

func newTestAgent(client llm.Client, cfg config.Config) *Agent {
	return NewAgent(llm.NewRetrier(client, 1, time.Millisecond, time.Millisecond), emptyStore{}, cfg)
}

func TestDecideTimeoutFallsBackToAcknowledgement(t *testing.T) {
	cfg := config.Default()
	cfg.ThinkingTimeoutSeconds = 1
	agent := newTestAgent(slowClient{}, cfg)

	start := time.Now()
	d := agent.Decide(context.Background(), envelope.Envelope{"type": envelope.TypeEscalation})
	elapsed := time.Since(start)

	assert.Equal(t, ActionRespondToDiscord, d.Action)
	assert.Equal(t, "medium", d.Priority)
	content, _ := d.Payload["content"].(string)
	assert.NotEmpty(t, content)
	assert.Less(t, elapsed, 5*time.Second, "timeout must bound the decision")
}

func TestDecideModelErrorFallsBackToNoAction(t *testing.T) {
	agent := newTestAgent(failingClient{err: &llm.Error{
		Kind: llm.KindStatus, Status: 400, Err: fmt.Errorf("bad request"),
	}}, config.Default())

	d := agent.Decide(context.Background(), envelope.Envelope{
		"type":   envelope.TypeEscalation,
		"source": "watcher",
	})
	assert.Equal(t, ActionNoAction, d.Action)
	assert.Equal(t, "low", d.Priority)
	assert.Equal(t, "status_error", d.Payload["error_type"])
	assert.Equal(t, envelope.TypeEscalation, d.Payload["original_message_type"])
}

func TestDecideParsesModelDecision(t *testing.T) {
	agent := newTestAgent(cannedClient{text: `{
		"action": "record_learning",
		"reasoning": "subject line tests settled",
		"payload": {"learning": "short subjects win"},
		"priority": "low"
	}`}, config.Default())

	d := agent.Decide(context.Background(), envelope.Envelope{"type": envelope.TypePeriodicSummary})
	assert.Equal(t, ActionRecordLearning, d.Action)
	assert.Equal(t, "short subjects win", d.Payload["learning"])
}
