package batch

import (
	"context"
	"time"
)

// Processor is the external "process one URL" collaborator: fetch, analysis,
// and storage as one opaque operation. Failures must be returned as (or wrap)
// a *ProcessError so the scheduler can classify them; raw errors fall back to
// ClassifyError.
type Processor interface {
	Process(ctx context.Context, url string) (Result, error)
}

// ResultSink receives resolved tasks. Implementations must be safe for
// concurrent use from any worker goroutine, and must be idempotent keyed on
// URL: a retried attempt whose earlier outcome is unknown may deliver twice.
type ResultSink interface {
	OnSuccess(ctx context.Context, url string, result Result) error
	OnPermanentFailure(ctx context.Context, url string, class FailureClass, errText string) error
}

// Publisher pushes batch lifecycle events to a message bus (or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// NopSink discards every resolution. Used when no persistence layer is
// configured.
type NopSink struct{}

// OnSuccess discards the result.
func (NopSink) OnSuccess(context.Context, string, Result) error { return nil }

// OnPermanentFailure discards the failure.
func (NopSink) OnPermanentFailure(context.Context, string, FailureClass, string) error { return nil }

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the real Clock.
type SystemClock struct{}

// Now returns the wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, url string) (Result, error)

// Process invokes the function.
func (f ProcessorFunc) Process(ctx context.Context, url string) (Result, error) {
	return f(ctx, url)
}
