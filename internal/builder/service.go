// Package builder turns tool PRDs from the orchestrator into built,
// registered tools by spooling the PRD to disk and driving the build
// pipeline as a supervised subprocess.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/router"
	"github.com/fullsend/fabric/internal/subprocess"
)

// Publisher is the outbound bus surface.
type Publisher interface {
	Publish(ctx context.Context, channel string, env envelope.Envelope) (int64, error)
}

// ToolRegistrar marks built tools active in the store.
type ToolRegistrar interface {
	SetToolState(ctx context.Context, name, state string) error
}

// Service consumes builder_tasks and reports on builder_results and
// to_orchestrator.
type Service struct {
	pub      Publisher
	tools    ToolRegistrar
	sup      *subprocess.Supervisor
	channels config.Channels
	cfg      config.Config
	now      func() time.Time
}

// NewService assembles the builder.
func NewService(pub Publisher, tools ToolRegistrar, sup *subprocess.Supervisor, cfg config.Config) *Service {
	return &Service{
		pub:      pub,
		tools:    tools,
		sup:      sup,
		channels: cfg.Channels(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start registers the PRD handler. Each build runs on its own goroutine
// so a long pipeline does not block the channel.
func (s *Service) Start(ctx context.Context, r *router.Router) error {
	_, err := r.Register(ctx, s.channels.BuilderTasks, func(ctx context.Context, env envelope.Envelope) {
		if env.Type() != envelope.TypeToolPRD {
			log.Debug().Str("type", env.Type()).Msg("ignoring non-PRD builder task")
			return
		}
		go s.build(ctx, env)
	})
	if err != nil {
		return err
	}
	log.Info().Str("channel", s.channels.BuilderTasks).Msg("builder listening")
	return nil
}

func (s *Service) build(ctx context.Context, env envelope.Envelope) {
	prd := env.GetMap("prd")
	if prd == nil {
		log.Warn().Msg("tool_prd without a prd body, dropping")
		return
	}
	// Orchestrator models sometimes double-wrap the document.
	if nested, ok := prd["prd"].(map[string]any); ok {
		prd = nested
	}

	toolName := firstString(prd, "name", "tool_name")
	requestID := env.GetString("request_id")
	if requestID == "" {
		requestID = s.now().UTC().Format("20060102_150405")
	}

	s.notify(ctx, envelope.New(envelope.TypeBuilderStarted, map[string]any{
		"request_id": requestID,
		"tool_name":  toolName,
	}))

	if err := s.spool(prd, env); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to spool PRD")
		s.reportFailure(ctx, env, requestID, toolName, err)
		return
	}

	res := s.sup.Run(ctx, subprocess.Cmd{
		Argv:    s.cfg.BuilderCommand,
		Input:   map[string]any{"request_id": requestID, "prd": prd},
		Timeout: s.cfg.BuilderTimeout(),
		Dir:     s.cfg.BuilderSpoolDir,
	})
	if res.Err != nil {
		err := res.Err
		if res.TimedOut {
			err = fmt.Errorf("builder timed out after %s: %w", s.cfg.BuilderTimeout(), res.Err)
		} else if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			err = fmt.Errorf("%w (stderr: %s)", res.Err, stderr)
		}
		log.Error().Err(err).Str("request_id", requestID).Str("tool_name", toolName).Msg("tool build failed")
		s.reportFailure(ctx, env, requestID, toolName, err)
		return
	}

	if built := envelope.Envelope(res.Output).GetString("tool_name"); built != "" {
		toolName = built
	}
	if toolName != "" {
		if err := s.tools.SetToolState(ctx, toolName, "active"); err != nil {
			log.Error().Err(err).Str("tool_name", toolName).Msg("failed to activate built tool")
		}
	}

	s.publish(ctx, s.channels.BuilderResults, forwardNotify(env, envelope.New(envelope.TypeToolBuilt, map[string]any{
		"request_id": requestID,
		"tool_name":  toolName,
		"output":     res.Output,
	})))
	s.notify(ctx, forwardNotify(env, envelope.New(envelope.TypeBuilderCompleted, map[string]any{
		"request_id": requestID,
		"tool_name":  toolName,
	})))
	log.Info().Str("request_id", requestID).Str("tool_name", toolName).Msg("tool built")
}

// spool writes the PRD plus request metadata to current_prd.yaml in the
// spool directory for the build pipeline to pick up.
func (s *Service) spool(prd map[string]any, env envelope.Envelope) error {
	doc := map[string]any{}
	for k, v := range prd {
		doc[k] = v
	}
	doc["_meta"] = map[string]any{
		"requested_by":           env.GetString("requested_by"),
		"priority":               env.GetString("priority"),
		"received_at":            s.now().UTC().Format(time.RFC3339),
		"orchestrator_reasoning": env.GetString("orchestrator_reasoning"),
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshalling PRD: %w", err)
	}
	if err := os.MkdirAll(s.cfg.BuilderSpoolDir, 0o755); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}
	path := filepath.Join(s.cfg.BuilderSpoolDir, "current_prd.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *Service) reportFailure(ctx context.Context, env envelope.Envelope, requestID, toolName string, err error) {
	s.publish(ctx, s.channels.BuilderResults, forwardNotify(env, envelope.New(envelope.TypeToolBuildFailed, map[string]any{
		"request_id": requestID,
		"tool_name":  toolName,
		"error":      err.Error(),
	})))
	s.notify(ctx, forwardNotify(env, envelope.New(envelope.TypeBuilderFailed, map[string]any{
		"request_id": requestID,
		"tool_name":  toolName,
		"error":      err.Error(),
	})))
}

func (s *Service) notify(ctx context.Context, env envelope.Envelope) {
	s.publish(ctx, s.channels.ToOrchestrator, env)
}

func (s *Service) publish(ctx context.Context, channel string, env envelope.Envelope) {
	if _, err := s.pub.Publish(ctx, channel, env); err != nil {
		log.Error().Err(err).Str("channel", channel).Str("type", env.Type()).Msg("failed to publish builder event")
	}
}

// forwardNotify copies the chat reach-back fields from the PRD envelope
// onto an outbound one.
func forwardNotify(from, to envelope.Envelope) envelope.Envelope {
	for _, k := range []string{"notify_channel", "notify_message", "orchestrator_reasoning"} {
		if v := from.GetString(k); v != "" {
			to[k] = v
		}
	}
	return to
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
