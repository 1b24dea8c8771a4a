package builder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/subprocess"
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

func (p *pubSpy) byType(typ string) envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.published {
		if e.env.Type() == typ {
			return e.env
		}
	}
	return nil
}

type toolStates struct {
	mu     sync.Mutex
	states map[string]string
}

func (t *toolStates) SetToolState(ctx context.Context, name, state string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states == nil {
		t.states = make(map[string]string)
	}
	t.states[name] = state
	return nil
}

func testConfig(t *testing.T, builderArgv []string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BuilderSpoolDir = t.TempDir()
	cfg.BuilderCommand = builderArgv
	cfg.BuilderTimeoutSeconds = 10
	return cfg
}

func prdEnvelope(prd map[string]any) envelope.Envelope {
	return envelope.Envelope{
		"type":                   envelope.TypeToolPRD,
		"prd":                    prd,
		"requested_by":           "orchestrator",
		"priority":               "high",
		"orchestrator_reasoning": "we keep doing this by hand",
		"notify_channel":         "C9",
		"notify_message":         "your tool is ready",
	}
}

func TestBuildSuccessRegistersToolAndReports(t *testing.T) {
	cfg := testConfig(t, []string{"sh", "-c", `echo '{"tool_name":"lead_scorer","artifact":"lead_scorer.py"}'`})
	pub := &pubSpy{}
	tools := &toolStates{}
	svc := NewService(pub, tools, subprocess.New(), cfg)

	svc.build(context.Background(), prdEnvelope(map[string]any{
		"name":        "lead_scorer",
		"description": "rank inbound leads",
	}))

	built := pub.byType(envelope.TypeToolBuilt)
	require.NotNil(t, built)
	assert.Equal(t, "lead_scorer", built.GetString("tool_name"))
	assert.Equal(t, "C9", built.GetString("notify_channel"))

	completed := pub.byType(envelope.TypeBuilderCompleted)
	require.NotNil(t, completed)
	assert.Equal(t, "your tool is ready", completed.GetString("notify_message"))

	started := pub.byType(envelope.TypeBuilderStarted)
	require.NotNil(t, started)
	assert.NotEmpty(t, started.GetString("request_id"))

	assert.Equal(t, "active", tools.states["lead_scorer"])
}

func TestBuildSpoolsPRDWithMeta(t *testing.T) {
	cfg := testConfig(t, []string{"sh", "-c", `echo '{"tool_name":"lead_scorer"}'`})
	pub := &pubSpy{}
	svc := NewService(pub, &toolStates{}, subprocess.New(), cfg)

	svc.build(context.Background(), prdEnvelope(map[string]any{"name": "lead_scorer"}))

	raw, err := os.ReadFile(filepath.Join(cfg.BuilderSpoolDir, "current_prd.yaml"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Equal(t, "lead_scorer", doc["name"])
	meta, ok := doc["_meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "orchestrator", meta["requested_by"])
	assert.Equal(t, "high", meta["priority"])
	assert.Equal(t, "we keep doing this by hand", meta["orchestrator_reasoning"])
}

func TestBuildUnnestsDoubleWrappedPRD(t *testing.T) {
	cfg := testConfig(t, []string{"sh", "-c", `echo '{"tool_name":"inner_tool"}'`})
	pub := &pubSpy{}
	svc := NewService(pub, &toolStates{}, subprocess.New(), cfg)

	svc.build(context.Background(), prdEnvelope(map[string]any{
		"prd": map[string]any{"name": "inner_tool"},
	}))

	raw, err := os.ReadFile(filepath.Join(cfg.BuilderSpoolDir, "current_prd.yaml"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Equal(t, "inner_tool", doc["name"])
}

func TestBuildFailureReportsBothChannels(t *testing.T) {
	cfg := testConfig(t, []string{"sh", "-c", `echo "pipeline exploded" >&2; exit 1`})
	pub := &pubSpy{}
	tools := &toolStates{}
	svc := NewService(pub, tools, subprocess.New(), cfg)

	svc.build(context.Background(), prdEnvelope(map[string]any{"name": "doomed_tool"}))

	failed := pub.byType(envelope.TypeToolBuildFailed)
	require.NotNil(t, failed)
	assert.Contains(t, failed.GetString("error"), "pipeline exploded")

	builderFailed := pub.byType(envelope.TypeBuilderFailed)
	require.NotNil(t, builderFailed)
	assert.Equal(t, "doomed_tool", builderFailed.GetString("tool_name"))
	assert.Empty(t, tools.states, "failed builds never activate a tool")
}

func TestBuildDropsEnvelopeWithoutPRD(t *testing.T) {
	cfg := testConfig(t, []string{"true"})
	pub := &pubSpy{}
	svc := NewService(pub, &toolStates{}, subprocess.New(), cfg)

	svc.build(context.Background(), envelope.Envelope{"type": envelope.TypeToolPRD})
	assert.Empty(t, pub.published)
}
