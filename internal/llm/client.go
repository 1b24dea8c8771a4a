// Package llm defines the model-client boundary. The fabric treats LLM
// backends as opaque request/response endpoints; this package owns the
// request shape, the error taxonomy (transient vs terminal), and the
// retry/breaker discipline shared by every model-calling component.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Request is one completion call. ThinkingBudget > 0 asks for extended
// internal reasoning with the given token cap; MaxTokens bounds the final
// reply.
type Request struct {
	System         string
	Prompt         string
	Temperature    float64
	MaxTokens      int
	ThinkingBudget int
}

// Response carries the reply text and, when extended thinking was
// requested, the internal reasoning for audit logging.
type Response struct {
	Text     string
	Thinking string
}

// Client is an opaque model endpoint.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Kind classifies a model call failure for the retry policy.
type Kind int

const (
	KindConnection Kind = iota // network-level failure, transient
	KindRateLimit              // 429, transient
	KindStatus                 // HTTP status error, transient iff 5xx
	KindOther                  // anything else, terminal
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection_error"
	case KindRateLimit:
		return "rate_limit"
	case KindStatus:
		return "status_error"
	default:
		return "error"
	}
}

// Error is a classified model call failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status for KindStatus, else 0
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model %s (%d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("model %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying: network
// errors, rate limits, and 5xx statuses.
func Transient(err error) bool {
	var me *Error
	if !errors.As(err, &me) {
		return false
	}
	switch me.Kind {
	case KindConnection, KindRateLimit:
		return true
	case KindStatus:
		return me.Status >= 500
	}
	return false
}

// ErrKind extracts the failure kind, KindOther for unclassified errors.
func ErrKind(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindOther
}
