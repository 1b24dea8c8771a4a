package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/store"
)

type fakeRunStore struct {
	exp    store.Experiment
	states []string
	runs   map[string]map[string]string
	recent []string
}

func newFakeRunStore(exp store.Experiment) *fakeRunStore {
	return &fakeRunStore{exp: exp, runs: make(map[string]map[string]string)}
}

func (f *fakeRunStore) Experiment(ctx context.Context, id string) (store.Experiment, error) {
	return f.exp, nil
}

func (f *fakeRunStore) SetExperimentState(ctx context.Context, id, state string) error {
	f.states = append(f.states, state)
	f.exp.State = state
	return nil
}

func (f *fakeRunStore) SaveRun(ctx context.Context, runID string, fields map[string]string) error {
	f.runs[runID] = fields
	return nil
}

func (f *fakeRunStore) PushRecentRun(ctx context.Context, entry string) error {
	f.recent = append(f.recent, entry)
	return nil
}

func (f *fakeRunStore) onlyRun(t *testing.T) (string, map[string]string) {
	t.Helper()
	require.Len(t, f.runs, 1)
	for id, fields := range f.runs {
		return id, fields
	}
	return "", nil
}

type busSpy struct {
	mu   sync.Mutex
	envs map[string][]envelope.Envelope
}

func newBusSpy() *busSpy { return &busSpy{envs: make(map[string][]envelope.Envelope)} }

func (b *busSpy) Publish(ctx context.Context, channel string, env envelope.Envelope) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs[channel] = append(b.envs[channel], env)
	return 1, nil
}

func (b *busSpy) types(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, env := range b.envs[channel] {
		out = append(out, env.Type())
	}
	return out
}

func newTestRunner(st *fakeRunStore, registry *Registry, pub *busSpy) *Runner {
	cfg := config.Default()
	cfg.ModelRetryAttempts = 2
	r := NewRunner(st, registry, pub, cfg, nil)
	r.toolTimeout = 100 * time.Millisecond
	r.retryBase = time.Millisecond
	r.retryMax = time.Millisecond
	return r
}

func TestRunSuccessPath(t *testing.T) {
	st := newFakeRunStore(store.Experiment{ID: "exp-1", State: StateActive, Tool: "probe"})
	registry := NewRegistry(nil)
	registry.Register("probe", func(ctx context.Context, params map[string]any) (any, error) {
		return "sent 10 emails", nil
	})
	pub := newBusSpy()

	require.NoError(t, newTestRunner(st, registry, pub).Run(context.Background(), "exp-1"))

	assert.Equal(t, []string{StateRunning, StateRun}, st.states)
	runID, fields := st.onlyRun(t)
	assert.Contains(t, runID, "exp-1:")
	assert.Equal(t, "completed", fields["status"])
	assert.Equal(t, "sent 10 emails", fields["result_summary"])
	assert.NotEmpty(t, fields["duration_seconds"])

	ch := config.Default().Channels()
	assert.Equal(t, []string{envelope.TypeExperimentStarted, envelope.TypeExperimentCompleted}, pub.types(ch.ToOrchestrator))
	require.Len(t, pub.envs[ch.Metrics], 2)
	assert.Equal(t, "run_started", pub.envs[ch.Metrics][0].GetString("event"))
	assert.Equal(t, "run_completed", pub.envs[ch.Metrics][1].GetString("event"))
}

func TestRunRefusesArchived(t *testing.T) {
	st := newFakeRunStore(store.Experiment{ID: "exp-1", State: StateArchived, Tool: "probe"})
	pub := newBusSpy()

	err := newTestRunner(st, NewRegistry(nil), pub).Run(context.Background(), "exp-1")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Empty(t, st.states)
	assert.Empty(t, pub.envs)
}

func TestRunToolNotFound(t *testing.T) {
	st := newFakeRunStore(store.Experiment{ID: "exp-1", State: StateActive, Tool: "missing"})
	pub := newBusSpy()

	require.NoError(t, newTestRunner(st, NewRegistry(nil), pub).Run(context.Background(), "exp-1"))

	assert.Equal(t, []string{StateRunning, StateFailed}, st.states)
	_, fields := st.onlyRun(t)
	assert.Equal(t, "failed", fields["status"])
	assert.Equal(t, "ToolNotFoundError", fields["error_type"])

	ch := config.Default().Channels()
	assert.Equal(t, []string{envelope.TypeExperimentStarted, envelope.TypeExperimentFailed}, pub.types(ch.ToOrchestrator))
}

func TestRunToolTimeout(t *testing.T) {
	st := newFakeRunStore(store.Experiment{ID: "exp-1", State: StateActive, Tool: "slow"})
	registry := NewRegistry(nil)
	registry.Register("slow", func(ctx context.Context, params map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pub := newBusSpy()

	require.NoError(t, newTestRunner(st, registry, pub).Run(context.Background(), "exp-1"))

	_, fields := st.onlyRun(t)
	assert.Equal(t, "ToolTimeoutError", fields["error_type"])
	assert.Equal(t, "0", fields["timeout_seconds"]) // sub-second test timeout
	assert.Equal(t, []string{StateRunning, StateFailed}, st.states)
}

func TestRunRetryExhausted(t *testing.T) {
	st := newFakeRunStore(store.Experiment{ID: "exp-1", State: StateActive, Tool: "flaky"})
	registry := NewRegistry(nil)
	calls := 0
	registry.Register("flaky", func(ctx context.Context, params map[string]any) (any, error) {
		calls++
		return nil, fmt.Errorf("%w: relay refused", ErrTransient)
	})
	pub := newBusSpy()

	require.NoError(t, newTestRunner(st, registry, pub).Run(context.Background(), "exp-1"))

	assert.Equal(t, 2, calls)
	_, fields := st.onlyRun(t)
	assert.Equal(t, "ToolRetryExhaustedError", fields["error_type"])
	assert.Equal(t, "2", fields["retry_attempts"])
	assert.Contains(t, fields["last_transient_error"], "relay refused")
	assert.Equal(t, "*fmt.wrapError", fields["last_transient_error_type"])
}

func TestRunKeepsArchivedStateFromConcurrentArchive(t *testing.T) {
	st := newFakeRunStore(store.Experiment{ID: "exp-1", State: StateActive, Tool: "emailer"})
	registry := NewRegistry(nil)
	registry.Register("emailer", func(ctx context.Context, params map[string]any) (any, error) {
		st.exp.State = StateArchived // dispatcher kills the experiment mid-run
		return "done", nil
	})
	pub := newBusSpy()

	require.NoError(t, newTestRunner(st, registry, pub).Run(context.Background(), "exp-1"))

	assert.Equal(t, []string{StateRunning}, st.states)
	assert.Equal(t, StateArchived, st.exp.State)
	_, fields := st.onlyRun(t)
	assert.Equal(t, "completed", fields["status"]) // the run record still lands
}

func TestRunTerminalToolErrorSkipsRetry(t *testing.T) {
	st := newFakeRunStore(store.Experiment{ID: "exp-1", State: StateActive, Tool: "broken"})
	registry := NewRegistry(nil)
	calls := 0
	registry.Register("broken", func(ctx context.Context, params map[string]any) (any, error) {
		calls++
		return nil, errors.New("invalid template")
	})
	pub := newBusSpy()

	require.NoError(t, newTestRunner(st, registry, pub).Run(context.Background(), "exp-1"))

	assert.Equal(t, 1, calls)
	_, fields := st.onlyRun(t)
	assert.Equal(t, "ToolError", fields["error_type"])
}

func TestRegistryGatesOnToolState(t *testing.T) {
	states := toolStateMap{"paused_tool": "building"}
	registry := NewRegistry(states)
	registry.Register("paused_tool", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, nil
	})

	_, err := registry.Resolve(context.Background(), "paused_tool")
	var notFound *ToolNotFoundError
	assert.ErrorAs(t, err, &notFound)

	states["paused_tool"] = "active"
	_, err = registry.Resolve(context.Background(), "paused_tool")
	assert.NoError(t, err)
}

type toolStateMap map[string]string

func (m toolStateMap) ToolState(ctx context.Context, name string) (string, error) {
	return m[name], nil
}
