package llm

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Retrier wraps a Client with bounded retries on transient failures,
// jittered exponential backoff, an optional rate limiter, and a circuit
// breaker. Non-transient errors return after the first attempt.
type Retrier struct {
	client   Client
	attempts int
	base     time.Duration
	max      time.Duration
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetrier builds the standard retry wrapper: attempts bounded calls,
// backoff base doubling to the max ceiling.
func NewRetrier(client Client, attempts int, base, max time.Duration) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("llm breaker state change")
		},
	})
	return &Retrier{
		client:   client,
		attempts: attempts,
		base:     base,
		max:      max,
		breaker:  breaker,
		sleep:    sleepCtx,
	}
}

// WithLimiter attaches a request rate limiter.
func (r *Retrier) WithLimiter(l *rate.Limiter) *Retrier {
	r.limiter = l
	return r
}

// Complete runs the call under the retry policy. The context deadline
// bounds the whole sequence including backoff sleeps.
func (r *Retrier) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	delay := r.base

	for attempt := 1; attempt <= r.attempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return Response{}, err
			}
		}

		result, err := r.breaker.Execute(func() (any, error) {
			return r.client.Complete(ctx, req)
		})
		if err == nil {
			return result.(Response), nil
		}
		lastErr = err

		if !Transient(err) || attempt == r.attempts {
			break
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)/2+1))
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", jittered).Msg("transient model error, retrying")
		if err := r.sleep(ctx, jittered); err != nil {
			return Response{}, err
		}
		delay *= 2
		if delay > r.max {
			delay = r.max
		}
	}
	return Response{}, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
