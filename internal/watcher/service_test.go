package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/llm"
)

type pubSpy struct {
	mu        sync.Mutex
	published []struct {
		channel string
		env     envelope.Envelope
	}
}

func (p *pubSpy) Publish(ctx context.Context, channel string, env envelope.Envelope) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, struct {
		channel string
		env     envelope.Envelope
	}{channel, env})
	return 1, nil
}

type statusStub struct{}

func (statusStub) Status(ctx context.Context) (string, error) { return "healthy", nil }
func (statusStub) CountExperiments(ctx context.Context) (int, int, error) {
	return 2, 5, nil
}
func (statusStub) RecentRuns(ctx context.Context, n int64) ([]string, error) {
	return []string{"exp-1:1717243200 completed"}, nil
}

func newTestService(client llm.Client, pub *pubSpy) *Service {
	cfg := config.Default()
	model := retrierFor(client)
	return NewService(NewClassifier(model, cfg), NewResponder(model, statusStub{}, cfg), pub, cfg.Channels())
}

func TestProcessIgnoreDoesNotPublish(t *testing.T) {
	pub := &pubSpy{}
	svc := newTestService(&scriptedClient{responses: []llm.Response{
		{Text: `{"action":"ignore","reason":"chatter","priority":"low"}`},
	}}, pub)

	svc.process(context.Background(), envelope.Envelope{"type": envelope.TypeRawChat, "content": "lol"})
	assert.Empty(t, pub.published)
}

func TestProcessAnswerPublishesWatcherResponse(t *testing.T) {
	pub := &pubSpy{}
	svc := newTestService(&scriptedClient{responses: []llm.Response{
		{Text: `{"action":"answer","reason":"status question","priority":"low"}`},
		{Text: `Two experiments are running, all healthy.`},
	}}, pub)

	svc.process(context.Background(), envelope.Envelope{
		"type":       envelope.TypeRawChat,
		"channel_id": "C42",
		"message_id": "M7",
		"content":    "how are the experiments doing?",
	})

	require.Len(t, pub.published, 1)
	got := pub.published[0]
	assert.Equal(t, config.Default().Channels().FromOrchestrator, got.channel)
	assert.Equal(t, envelope.TypeWatcherResponse, got.env.Type())
	assert.Equal(t, "C42", got.env.GetString("channel_id"))
	assert.Equal(t, "M7", got.env.GetString("reply_to"))
	assert.Equal(t, "Two experiments are running, all healthy.", got.env.GetString("content"))
}

func TestProcessEscalationEmbedsOriginal(t *testing.T) {
	pub := &pubSpy{}
	svc := newTestService(&scriptedClient{responses: []llm.Response{
		{Text: `{"action":"escalate","reason":"needs a strategic call","priority":"high"}`},
	}}, pub)

	original := envelope.Envelope{
		"type":       envelope.TypeRawChat,
		"channel_id": "C42",
		"content":    "should we double the ad budget?",
	}
	svc.process(context.Background(), original)

	require.Len(t, pub.published, 1)
	got := pub.published[0]
	assert.Equal(t, config.Default().Channels().ToOrchestrator, got.channel)
	assert.Equal(t, envelope.TypeEscalation, got.env.Type())
	assert.Equal(t, "high", got.env.GetString("priority"))
	embedded := got.env.GetMap("original_message")
	require.NotNil(t, embedded)
	assert.Equal(t, "should we double the ad budget?", envelope.Envelope(embedded).GetString("content"))
}

// A dead model escalates the message rather than dropping it.
func TestProcessModelFailureStillEscalates(t *testing.T) {
	pub := &pubSpy{}
	svc := newTestService(&scriptedClient{errs: []error{
		&llm.Error{Kind: llm.KindConnection, Err: fmt.Errorf("broker down")},
	}}, pub)

	svc.process(context.Background(), envelope.Envelope{"type": envelope.TypeRawChat, "content": "urgent: customer churn spike"})

	require.Len(t, pub.published, 1)
	assert.Equal(t, envelope.TypeEscalation, pub.published[0].env.Type())
	assert.Equal(t, "medium", pub.published[0].env.GetString("priority"))
}
