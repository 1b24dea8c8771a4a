package watcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/llm"
)

// fallbackReply is what users see when response generation fails.
const fallbackReply = "I hit a snag answering that — I'll follow up shortly."

// StatusReader is the read-only store surface the responder may touch.
// The responder never writes.
type StatusReader interface {
	Status(ctx context.Context) (string, error)
	CountExperiments(ctx context.Context) (running, total int, err error)
	RecentRuns(ctx context.Context, n int64) ([]string, error)
}

// Responder answers simple queries from store state via a short templated
// prompt. Same retry discipline as the classifier.
type Responder struct {
	model *llm.Retrier
	store StatusReader
	cfg   config.Config
}

// NewResponder builds a responder over the retry-wrapped model and the
// read-only status surface.
func NewResponder(model *llm.Retrier, store StatusReader, cfg config.Config) *Responder {
	return &Responder{model: model, store: store, cfg: cfg}
}

const respondPrompt = `You answer a quick status question about an autonomous go-to-market system.

System status: %s
Experiments running: %d of %d
Recent activity:
%s

Question from %s:
%s

Suggested angle from triage: %s

Reply in one or two short sentences. No preamble.`

// Respond renders a short reply for a message classified as answerable.
// Store read failures degrade gracefully; model failures return the
// canned fallback.
func (r *Responder) Respond(ctx context.Context, msg envelope.Envelope, cls Classification) string {
	status, err := r.store.Status(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("status read failed for responder")
		status = "unknown"
	}
	running, total, err := r.store.CountExperiments(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("experiment count failed for responder")
	}
	recent, err := r.store.RecentRuns(ctx, 3)
	if err != nil {
		log.Warn().Err(err).Msg("recent runs read failed for responder")
	}

	activity := "no recent activity"
	if len(recent) > 0 {
		var b strings.Builder
		for _, entry := range recent {
			fmt.Fprintf(&b, "- %s\n", entry)
		}
		activity = strings.TrimRight(b.String(), "\n")
	}

	prompt := fmt.Sprintf(respondPrompt,
		status, running, total, activity,
		msg.GetString("username"), msg.GetString("content"),
		cls.SuggestedResponse,
	)

	resp, err := r.model.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: r.cfg.ResponseTemperature,
		MaxTokens:   r.cfg.ResponseMaxTokens,
	})
	if err != nil {
		log.Error().Err(err).Msg("response generation failed")
		return fallbackReply
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return fallbackReply
	}
	return text
}
