package experiment

import "fmt"

// Tool failure taxonomy. ErrorType values land in run records and
// failure envelopes, so their names are part of the wire contract.

// ToolNotFoundError reports a dispatch to a tool the registry does not
// have or that is not active.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Tool)
}

// ErrorType names the failure class for run records.
func (e *ToolNotFoundError) ErrorType() string { return "ToolNotFoundError" }

// ToolTimeoutError reports a tool run that exceeded its deadline.
type ToolTimeoutError struct {
	Tool           string
	TimeoutSeconds int
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %ds", e.Tool, e.TimeoutSeconds)
}

func (e *ToolTimeoutError) ErrorType() string { return "ToolTimeoutError" }

// ToolRetryExhaustedError reports a tool that kept failing transiently
// until the retry budget ran out.
type ToolRetryExhaustedError struct {
	Tool     string
	Attempts int
	LastErr  error
}

func (e *ToolRetryExhaustedError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempts: %v", e.Tool, e.Attempts, e.LastErr)
}

func (e *ToolRetryExhaustedError) Unwrap() error { return e.LastErr }

func (e *ToolRetryExhaustedError) ErrorType() string { return "ToolRetryExhaustedError" }

// ToolError is the catch-all for non-transient tool failures.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func (e *ToolError) ErrorType() string { return "ToolError" }

// typedError is implemented by the whole taxonomy.
type typedError interface {
	error
	ErrorType() string
}

// ErrorTypeOf returns the taxonomy name for err, or "ToolError" for
// anything outside it.
func ErrorTypeOf(err error) string {
	if te, ok := err.(typedError); ok {
		return te.ErrorType()
	}
	return "ToolError"
}
