package watcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/llm"
)

// scriptedClient returns canned responses or errors in order.
type scriptedClient struct {
	responses []llm.Response
	errs      []error
	calls     int
}

func (s *scriptedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return llm.Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return llm.Response{}, fmt.Errorf("no scripted response for call %d", i)
}

func retrierFor(c llm.Client) *llm.Retrier {
	return llm.NewRetrier(c, 1, time.Millisecond, time.Millisecond)
}

func TestParseClassificationValid(t *testing.T) {
	got := ParseClassification(`{"action":"answer","reason":"status question","priority":"low","suggested_response":"All green."}`)
	assert.Equal(t, ActionAnswer, got.Action)
	assert.Equal(t, "low", got.Priority)
	assert.Equal(t, "All green.", got.SuggestedResponse)
}

func TestParseClassificationCoercesUnknowns(t *testing.T) {
	got := ParseClassification(`{"action":"defer","reason":"??","priority":"sometime"}`)
	assert.Equal(t, ActionEscalate, got.Action)
	assert.Equal(t, "medium", got.Priority)
}

func TestParseClassificationFailSafeOnGarbage(t *testing.T) {
	for _, text := range []string{
		"I think this message should probably be escalated.",
		"```json\n{broken\n```",
		"",
	} {
		got := ParseClassification(text)
		assert.Equal(t, ActionEscalate, got.Action, "input %q", text)
		assert.Equal(t, "medium", got.Priority, "input %q", text)
		assert.Equal(t, "classification failure", got.Reason, "input %q", text)
	}
}

func TestClassifyEscalatesWhenModelFails(t *testing.T) {
	client := &scriptedClient{errs: []error{
		&llm.Error{Kind: llm.KindStatus, Status: 400, Err: fmt.Errorf("bad request")},
	}}
	c := NewClassifier(retrierFor(client), config.Default())

	got := c.Classify(context.Background(), envelope.Envelope{
		"type":    envelope.TypeRawChat,
		"content": "should we kill the cold outreach experiment?",
	})
	assert.Equal(t, ActionEscalate, got.Action)
	assert.Equal(t, "medium", got.Priority)
}

func TestClassifyParsesModelReply(t *testing.T) {
	client := &scriptedClient{responses: []llm.Response{
		{Text: "```json\n{\"action\":\"ignore\",\"reason\":\"small talk\",\"priority\":\"low\"}\n```"},
	}}
	c := NewClassifier(retrierFor(client), config.Default())

	got := c.Classify(context.Background(), envelope.Envelope{
		"type":    envelope.TypeRawChat,
		"content": "good morning everyone",
	})
	assert.Equal(t, ActionIgnore, got.Action)
}
