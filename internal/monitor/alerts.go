package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/telemetry"
)

// Gate rate-limits alerts per (experiment, alert type) pair. The
// cooldown window is refreshed before publishing so a publish failure
// still counts against the window.
type Gate struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	cooldown time.Duration
	now      func() time.Time
	pub      Publisher
	channel  string
	metrics  *telemetry.Metrics
}

// Publisher is the outbound bus surface the gate publishes through.
type Publisher interface {
	Publish(ctx context.Context, channel string, env envelope.Envelope) (int64, error)
}

// NewGate builds an alert gate publishing to the given channel.
func NewGate(pub Publisher, channel string, cooldown time.Duration, m *telemetry.Metrics) *Gate {
	return &Gate{
		lastSent: make(map[string]time.Time),
		cooldown: cooldown,
		now:      time.Now,
		pub:      pub,
		channel:  channel,
		metrics:  m,
	}
}

// WithClock overrides the gate clock. Test hook.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Send publishes an alert unless the (experimentID, alertType) pair is
// still cooling down. Returns whether the alert went out.
func (g *Gate) Send(ctx context.Context, alertType, experimentID, message, severity string) bool {
	return g.SendWith(ctx, alertType, experimentID, message, severity, nil)
}

// SendWith is Send with extra envelope fields attached.
func (g *Gate) SendWith(ctx context.Context, alertType, experimentID, message, severity string, extra map[string]any) bool {
	key := experimentID + ":" + alertType

	g.mu.Lock()
	now := g.now()
	if last, ok := g.lastSent[key]; ok && now.Sub(last) < g.cooldown {
		g.mu.Unlock()
		if g.metrics != nil {
			g.metrics.AlertsSuppressed.WithLabelValues(alertType).Inc()
		}
		log.Debug().
			Str("experiment_id", experimentID).
			Str("alert_type", alertType).
			Msg("alert suppressed by cooldown")
		return false
	}
	g.lastSent[key] = now
	g.mu.Unlock()

	env := envelope.NewAlert(alertType, experimentID, message, severity)
	for k, v := range extra {
		if v == nil {
			continue
		}
		env[k] = v
	}
	env.Stamp("redis_agent", now)
	if _, err := g.pub.Publish(ctx, g.channel, env); err != nil {
		log.Error().Err(err).Str("alert_type", alertType).Msg("failed to publish alert")
		return false
	}
	if g.metrics != nil {
		g.metrics.AlertsSent.WithLabelValues(alertType).Inc()
	}
	log.Info().
		Str("experiment_id", experimentID).
		Str("alert_type", alertType).
		Str("severity", severity).
		Msg("alert sent")
	return true
}

// ClearCooldown drops cooldown state. Empty experimentID clears every
// pair; empty alertType clears every type for the experiment.
func (g *Gate) ClearCooldown(experimentID, alertType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if experimentID == "" {
		g.lastSent = make(map[string]time.Time)
		return
	}
	if alertType != "" {
		delete(g.lastSent, experimentID+":"+alertType)
		return
	}
	prefix := experimentID + ":"
	for k := range g.lastSent {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(g.lastSent, k)
		}
	}
}
