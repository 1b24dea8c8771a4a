package watcher

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/bus"
	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/router"
)

// Publisher is the slice of the bus the service publishes through.
type Publisher interface {
	Publish(ctx context.Context, channel string, env envelope.Envelope) (int64, error)
}

// Service is the watcher's bus wiring: classify raw chat, answer what it
// can, escalate the rest.
type Service struct {
	classifier *Classifier
	responder  *Responder
	pub        Publisher
	channels   config.Channels
}

// NewService assembles the watcher service.
func NewService(classifier *Classifier, responder *Responder, pub Publisher, channels config.Channels) *Service {
	return &Service{
		classifier: classifier,
		responder:  responder,
		pub:        pub,
		channels:   channels,
	}
}

// Start registers the raw-chat handler on the router. Classification runs
// on its own goroutine per message so slow model calls never stall the
// dispatch task.
func (s *Service) Start(ctx context.Context, r *router.Router) error {
	_, err := r.Register(ctx, s.channels.ChatRaw, s.handleRaw())
	return err
}

func (s *Service) handleRaw() bus.Handler {
	return func(ctx context.Context, msg envelope.Envelope) {
		go s.process(ctx, msg)
	}
}

func (s *Service) process(ctx context.Context, msg envelope.Envelope) {
	cls := s.classifier.Classify(ctx, msg)
	log.Info().
		Str("action", cls.Action).
		Str("priority", cls.Priority).
		Str("reason", cls.Reason).
		Msg("message classified")

	switch cls.Action {
	case ActionIgnore:
		return

	case ActionAnswer:
		reply := s.responder.Respond(ctx, msg, cls)
		env := envelope.Envelope{
			"type":       envelope.TypeWatcherResponse,
			"channel_id": msg.GetString("channel_id"),
			"content":    reply,
			"priority":   cls.Priority,
		}
		if replyTo := msg.GetString("message_id"); replyTo != "" {
			env["reply_to"] = replyTo
		}
		if _, err := s.pub.Publish(ctx, s.channels.FromOrchestrator, env); err != nil {
			log.Error().Err(err).Msg("watcher reply publish failed")
		}

	case ActionEscalate:
		env := envelope.Envelope{
			"type":             envelope.TypeEscalation,
			"priority":         cls.Priority,
			"reason":           cls.Reason,
			"original_message": map[string]any(msg),
		}
		if _, err := s.pub.Publish(ctx, s.channels.ToOrchestrator, env); err != nil {
			log.Error().Err(err).Msg("escalation publish failed")
		}
	}
}
