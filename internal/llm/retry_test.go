package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceClient struct {
	results []func() (Response, error)
	calls   int
}

func (s *sequenceClient) Complete(ctx context.Context, req Request) (Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		return Response{}, fmt.Errorf("unexpected call %d", i)
	}
	return s.results[i]()
}

func transientErr() (Response, error) {
	return Response{}, &Error{Kind: KindConnection, Err: fmt.Errorf("connection reset")}
}

func terminalErr() (Response, error) {
	return Response{}, &Error{Kind: KindStatus, Status: 400, Err: fmt.Errorf("bad request")}
}

func ok(text string) func() (Response, error) {
	return func() (Response, error) { return Response{Text: text}, nil }
}

func newTestRetrier(c Client, attempts int) *Retrier {
	r := NewRetrier(c, attempts, time.Millisecond, 2*time.Millisecond)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	client := &sequenceClient{results: []func() (Response, error){
		transientErr, transientErr, ok("recovered"),
	}}
	r := newTestRetrier(client, 3)

	resp, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 3, client.calls)
}

func TestCompleteTerminalErrorNoRetry(t *testing.T) {
	client := &sequenceClient{results: []func() (Response, error){terminalErr}}
	r := newTestRetrier(client, 3)

	_, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, KindStatus, ErrKind(err))
}

func TestCompleteExhaustsAttempts(t *testing.T) {
	client := &sequenceClient{results: []func() (Response, error){
		transientErr, transientErr, transientErr,
	}}
	r := newTestRetrier(client, 3)

	_, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)
	assert.True(t, Transient(err))
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, Transient(&Error{Kind: KindConnection}))
	assert.True(t, Transient(&Error{Kind: KindRateLimit}))
	assert.True(t, Transient(&Error{Kind: KindStatus, Status: 503}))
	assert.False(t, Transient(&Error{Kind: KindStatus, Status: 404}))
	assert.False(t, Transient(&Error{Kind: KindOther}))
	assert.False(t, Transient(fmt.Errorf("plain error")))
	assert.False(t, Transient(nil))
}
