// Package monitor ingests metric events from the metrics channel,
// maintains per-experiment aggregates, evaluates success and failure
// criteria, and raises cooldown-gated alerts to the orchestrator.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/envelope"
)

// MetricStore is the aggregate persistence the monitor writes through.
type MetricStore interface {
	AppendMetric(ctx context.Context, experimentID string, raw []byte) error
	AggIncrEvent(ctx context.Context, experimentID, event string) error
	AggObserve(ctx context.Context, experimentID, name string, value float64) error
	AggTouch(ctx context.Context, experimentID string) error
	AggSnapshot(ctx context.Context, experimentID string) (map[string]string, error)
}

// reservedFields never become aggregate entries.
var reservedFields = map[string]bool{
	"experiment_id": true,
	"event":         true,
	"timestamp":     true,
	"message":       true,
	"type":          true,
	"source":        true,
	"received_at":   true,
}

// Monitor folds metric events into durable aggregates.
type Monitor struct {
	store MetricStore
	gate  *Gate
	now   func() time.Time
}

// New builds a Monitor. gate may be nil when error alerting is disabled.
func New(store MetricStore, gate *Gate) *Monitor {
	return &Monitor{store: store, gate: gate, now: time.Now}
}

// WithClock overrides the ingest clock. Test hook.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// HandleMetric ingests one metric event. Events without an
// experiment_id are dropped. The raw event (plus received_at) is kept
// in the append-only log, numeric fields fold into the aggregate hash,
// and event == "error" raises an error alert through the gate.
func (m *Monitor) HandleMetric(ctx context.Context, env envelope.Envelope) {
	expID := env.GetString("experiment_id")
	if expID == "" {
		log.Warn().Str("event", env.GetString("event")).Msg("metric event without experiment_id, dropping")
		return
	}

	record := env.Clone()
	record["received_at"] = m.now().UTC().Format(time.RFC3339)
	raw, err := record.Encode()
	if err != nil {
		log.Error().Err(err).Str("experiment_id", expID).Msg("failed to encode metric event")
		return
	}
	if err := m.store.AppendMetric(ctx, expID, raw); err != nil {
		log.Error().Err(err).Str("experiment_id", expID).Msg("failed to append metric event")
	}

	event := env.GetString("event")
	if event != "" {
		if err := m.store.AggIncrEvent(ctx, expID, event); err != nil {
			log.Error().Err(err).Str("experiment_id", expID).Str("event", event).Msg("failed to count event")
		}
	}
	for k := range env {
		if reservedFields[k] {
			continue
		}
		v, ok := env.GetFloat(k)
		if !ok {
			continue
		}
		if err := m.store.AggObserve(ctx, expID, k, v); err != nil {
			log.Error().Err(err).Str("experiment_id", expID).Str("metric", k).Msg("failed to observe value")
		}
	}
	if err := m.store.AggTouch(ctx, expID); err != nil {
		log.Error().Err(err).Str("experiment_id", expID).Msg("failed to touch aggregate")
	}

	if event == "error" && m.gate != nil {
		msg := env.GetString("message")
		if msg == "" {
			msg = fmt.Sprintf("Experiment %s reported an error", expID)
		}
		m.gate.Send(ctx, envelope.TypeErrorAlert, expID, msg, "high")
	}
}

// Current returns the derived metrics view for one experiment.
func (m *Monitor) Current(ctx context.Context, experimentID string) (map[string]any, error) {
	snap, err := m.store.AggSnapshot(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return CurrentMetrics(snap), nil
}
