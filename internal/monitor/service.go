package monitor

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/llm"
	"github.com/fullsend/fabric/internal/router"
	"github.com/fullsend/fabric/internal/store"
	"github.com/fullsend/fabric/internal/telemetry"
)

// Service wires the metric ingest handler, the threshold checker, and
// the periodic analyzer into one runnable monitor.
type Service struct {
	monitor    *Monitor
	thresholds *ThresholdChecker
	analyzer   *Analyzer
	channels   config.Channels
}

// NewService assembles the monitor from its configuration. model may be
// nil to disable narrative summaries.
func NewService(st *store.Store, pub Publisher, model *llm.Retrier, cfg config.Config, m *telemetry.Metrics) *Service {
	channels := cfg.Channels()
	gate := NewGate(pub, channels.ToOrchestrator, cfg.AlertCooldown(), m)
	mon := New(st, gate)
	return &Service{
		monitor:    mon,
		thresholds: NewThresholdChecker(st, mon, gate, cfg.ThresholdCheckInterval()),
		analyzer:   NewAnalyzer(st, st, mon, pub, channels.ToOrchestrator, model, cfg.SummaryInterval()),
		channels:   channels,
	}
}

// Start registers the metric handler and launches the periodic loops.
// The loops stop when ctx is cancelled.
func (s *Service) Start(ctx context.Context, r *router.Router) error {
	_, err := r.Register(ctx, s.channels.Metrics, func(ctx context.Context, env envelope.Envelope) {
		s.monitor.HandleMetric(ctx, env)
	})
	if err != nil {
		return err
	}
	go s.thresholds.Run(ctx)
	go s.analyzer.Run(ctx)
	log.Info().Str("channel", s.channels.Metrics).Msg("monitor listening")
	return nil
}
