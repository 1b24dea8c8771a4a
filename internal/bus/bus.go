// Package bus is a thin pub/sub layer over the Redis broker. Delivery is
// at-most-once: no persistence, and messages that arrive during a
// reconnect gap are lost. A Bus that fails to connect at startup runs in
// degraded mode — publish and subscribe become logged no-ops so the
// owning service keeps running.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/envelope"
	"github.com/fullsend/fabric/internal/telemetry"
)

// Handler is invoked for every decoded envelope on a subscribed channel,
// in order of receipt, on the bus's dispatch goroutine. Handlers that do
// slow work must spawn it and return.
type Handler func(ctx context.Context, env envelope.Envelope)

// Reconnect backoff schedule.
const (
	reconnectBase = 250 * time.Millisecond
	reconnectMax  = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("bus not connected")
	ErrClosed       = errors.New("bus closed")
)

// Bus multiplexes one Redis connection across all channel subscriptions
// held by a service.
type Bus struct {
	url    string
	source string
	now    func() time.Time

	mu       sync.Mutex
	client   *redis.Client
	pubsub   *redis.PubSub
	handlers map[string][]Handler
	degraded bool
	closed   bool

	cancel  context.CancelFunc
	done    chan struct{}
	metrics *telemetry.Metrics
}

// New creates an unconnected Bus. source stamps every published envelope.
func New(url, source string, metrics *telemetry.Metrics) *Bus {
	return &Bus{
		url:      url,
		source:   source,
		now:      time.Now,
		handlers: make(map[string][]Handler),
		metrics:  metrics,
	}
}

// Connect establishes the broker connection and starts the dispatch
// goroutine. On an unreachable broker the bus enters degraded mode and the
// error is returned so the caller can log it; subsequent operations
// are no-ops rather than failures.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.client != nil {
		log.Warn().Msg("bus already connected")
		return nil
	}

	opts, err := redis.ParseURL(b.url)
	if err != nil {
		b.degraded = true
		return err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		b.degraded = true
		log.Warn().Err(err).Str("url", b.url).Msg("broker unreachable, bus degraded")
		return err
	}

	b.client = client
	b.pubsub = client.Subscribe(context.Background())
	b.degraded = false

	listenCtx, listenCancel := context.WithCancel(context.Background())
	b.cancel = listenCancel
	b.done = make(chan struct{})
	go b.listen(listenCtx)

	log.Info().Str("url", b.url).Str("source", b.source).Msg("bus connected")
	return nil
}

// Degraded reports whether the bus is running without a broker.
func (b *Bus) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Publish stamps the envelope with source and timestamp and broadcasts it.
// Best-effort: zero receivers is not an error. In degraded mode the
// message is dropped with a warning and (0, nil) is returned.
func (b *Bus) Publish(ctx context.Context, channel string, env envelope.Envelope) (int64, error) {
	b.mu.Lock()
	client := b.client
	degraded := b.degraded
	b.mu.Unlock()

	if degraded || client == nil {
		log.Warn().Str("channel", channel).Str("type", env.Type()).Msg("bus degraded, dropping publish")
		return 0, nil
	}

	env.Stamp(b.source, b.now())
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}

	n, err := client.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, err
	}
	if b.metrics != nil {
		b.metrics.EnvelopesPublished.WithLabelValues(channel).Inc()
	}
	log.Debug().Str("channel", channel).Str("type", env.Type()).Int64("receivers", n).Msg("published")
	return n, nil
}

// Subscribe registers a handler for a channel. A channel may carry several
// handlers; they run in registration order. In degraded mode this is a
// logged no-op.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.degraded || b.pubsub == nil {
		log.Warn().Str("channel", channel).Msg("bus degraded, subscribe skipped")
		return nil
	}

	if _, ok := b.handlers[channel]; !ok {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			return err
		}
		log.Info().Str("channel", channel).Msg("subscribed")
	}
	b.handlers[channel] = append(b.handlers[channel], h)
	return nil
}

// Unsubscribe drops all handlers for a channel and releases the broker
// subscription.
func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[channel]; !ok {
		return nil
	}
	delete(b.handlers, channel)
	if b.pubsub != nil {
		if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
			return err
		}
	}
	log.Info().Str("channel", channel).Msg("unsubscribed")
	return nil
}

// Close stops dispatch, releases subscriptions, and returns after the
// in-flight handler (if any) has returned.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	done := b.done
	pubsub := b.pubsub
	client := b.client
	b.pubsub = nil
	b.client = nil
	b.handlers = make(map[string][]Handler)
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	if done != nil {
		<-done
	}
	if client != nil {
		_ = client.Close()
	}
	log.Info().Msg("bus closed")
	return nil
}

// listen is the single dispatch goroutine. On a dropped connection it
// backs off exponentially (capped), resubscribes to every previously
// subscribed channel, and counts the reconnect.
func (b *Bus) listen(ctx context.Context) {
	defer close(b.done)
	backoff := reconnectBase

	for {
		b.mu.Lock()
		pubsub := b.pubsub
		b.mu.Unlock()
		if pubsub == nil {
			return
		}

		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if b.metrics != nil {
				b.metrics.BusReconnects.Inc()
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("bus receive failed, reconnecting")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			b.resubscribe(ctx)
			continue
		}
		backoff = reconnectBase
		b.dispatch(ctx, msg.Channel, []byte(msg.Payload))
	}
}

// resubscribe re-issues every channel subscription after a reconnect so
// subscribers resume before the bus reports connected again.
func (b *Bus) resubscribe(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return
	}
	for channel := range b.handlers {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			log.Error().Err(err).Str("channel", channel).Msg("resubscribe failed")
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, channel string, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		if b.metrics != nil {
			b.metrics.EnvelopesDropped.WithLabelValues("decode").Inc()
		}
		log.Warn().Err(err).Str("channel", channel).Msg("dropping invalid envelope")
		return
	}

	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[channel]))
	copy(handlers, b.handlers[channel])
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("channel", channel).Msg("handler panic recovered")
				}
			}()
			h(ctx, env)
		}()
	}
}
