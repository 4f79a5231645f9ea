// Package executor defines the contract between the orchestration core and
// whatever actually runs an agent. The core never inspects model calls; it
// only sees structured output or a classified error.
package executor

import (
	"context"
	"errors"
	"fmt"
)

// Classification buckets executor failures for the retry decision.
type Classification string

const (
	Retryable    Classification = "retryable"
	NonRetryable Classification = "non_retryable"
	RateLimited  Classification = "rate_limited"
)

// Executor runs a single agent invocation. Implementations must respect
// ctx cancellation; the worker enforces the per-task deadline through it.
type Executor interface {
	Execute(ctx context.Context, agentID, promptText string, input map[string]any) (map[string]any, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, agentID, promptText string, input map[string]any) (map[string]any, error)

func (f Func) Execute(ctx context.Context, agentID, promptText string, input map[string]any) (map[string]any, error) {
	return f(ctx, agentID, promptText, input)
}

// Error carries a classification alongside the underlying failure.
type Error struct {
	Class Classification
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("executor %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(class Classification, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Classify extracts the classification from an executor failure.
// Unclassified errors default to Retryable so transient flakes get their
// retries; callers that care about deadlines or cancellation inspect the
// error themselves before classifying.
func Classify(err error) Classification {
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Class
	}
	return Retryable
}
