// Package router fans one bus subscription per channel out to many
// in-process handlers. Handlers for the same message run concurrently and
// independently: a panicking handler never prevents the others from
// seeing the message. This keeps services from duplicating broker
// subscriptions across their adapters.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/bus"
	"github.com/fullsend/fabric/internal/envelope"
)

// Subscriber is the slice of the bus the router needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, h bus.Handler) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Router registers handler values by index against channels. It holds the
// only bus subscription for each channel it manages.
type Router struct {
	sub Subscriber

	mu       sync.Mutex
	next     int
	handlers map[string]map[int]bus.Handler
}

// New creates a Router over the given subscriber.
func New(sub Subscriber) *Router {
	return &Router{
		sub:      sub,
		handlers: make(map[string]map[int]bus.Handler),
	}
}

// Register adds a handler for a channel and returns its id. The first
// handler on a channel establishes the bus subscription.
func (r *Router) Register(ctx context.Context, channel string, h bus.Handler) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[channel]; !ok {
		if err := r.sub.Subscribe(ctx, channel, r.fanout(channel)); err != nil {
			return 0, fmt.Errorf("router subscribe %s: %w", channel, err)
		}
		r.handlers[channel] = make(map[int]bus.Handler)
	}

	r.next++
	id := r.next
	r.handlers[channel][id] = h
	log.Debug().Str("channel", channel).Int("handler", id).Msg("router handler registered")
	return id, nil
}

// Unregister removes a handler by id. The last handler off a channel
// releases the bus subscription.
func (r *Router) Unregister(ctx context.Context, channel string, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handlers[channel]
	if !ok {
		return nil
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.handlers, channel)
		return r.sub.Unsubscribe(ctx, channel)
	}
	return nil
}

// fanout builds the single bus handler for a channel. It snapshots the
// registered handlers and runs them all concurrently, collecting panics
// without unwinding the others.
func (r *Router) fanout(channel string) bus.Handler {
	return func(ctx context.Context, env envelope.Envelope) {
		r.mu.Lock()
		set := r.handlers[channel]
		handlers := make([]bus.Handler, 0, len(set))
		for _, h := range set {
			handlers = append(handlers, h)
		}
		r.mu.Unlock()

		var wg sync.WaitGroup
		for _, h := range handlers {
			wg.Add(1)
			go func(h bus.Handler) {
				defer wg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						log.Error().Interface("panic", rec).Str("channel", channel).Msg("router handler panic recovered")
					}
				}()
				h(ctx, env)
			}(h)
		}
		wg.Wait()
	}
}
