package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/router"
)

// Service is the orchestrator message loop: every envelope on the
// inbound channel gets a fresh context load, one decision, and one
// dispatch. Messages are processed concurrently so a slow thinking
// call cannot back up the queue.
type Service struct {
	agent      *Agent
	dispatcher *Dispatcher
	channels   config.Channels
}

// NewService assembles the orchestrator loop.
func NewService(agent *Agent, dispatcher *Dispatcher, cfg config.Config) *Service {
	return &Service{agent: agent, dispatcher: dispatcher, channels: cfg.Channels()}
}

// Start registers the inbound handler on the router.
func (s *Service) Start(ctx context.Context, r *router.Router) error {
	_, err := r.Register(ctx, s.channels.ToOrchestrator, func(ctx context.Context, env envelope.Envelope) {
		go s.process(ctx, env)
	})
	if err != nil {
		return err
	}
	log.Info().Str("channel", s.channels.ToOrchestrator).Msg("orchestrator listening")
	return nil
}

func (s *Service) process(ctx context.Context, env envelope.Envelope) {
	log.Info().
		Str("type", env.Type()).
		Str("source", env.Source()).
		Msg("orchestrator received message")

	dec := s.agent.Decide(ctx, env)
	s.dispatcher.Execute(ctx, dec, env)
}
