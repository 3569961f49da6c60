// Package correlation carries the current request id and job id through a
// logical flow of execution.
//
// Both ids live on a context.Context rather than in any process- or
// goroutine-global storage: two flows interleaving on the same scheduler
// never observe each other's values, and because contexts are immutable the
// caller's context is untouched by anything a callee attaches. "Restoring
// the previous value" is simply continuing with the context you already
// held, so nesting (a job started inside a request) unwinds correctly for
// free.
//
// Handing work to a detached goroutine requires an explicit copy of the ids
// onto that goroutine's own context; the jobs package does exactly that at
// submit time.
package correlation

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	jobIDKey
)

// WithRequestID returns a child context carrying the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id for the current flow, if one is set.
// Safe on any context, including context.Background().
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// WithJobID returns a child context carrying the given job id.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// JobID returns the job id for the current flow, if one is set.
func JobID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey).(string)
	return id, ok && id != ""
}

// Clear returns a child context with both correlation ids removed. Used when
// spawning work that must not inherit the caller's correlation.
func Clear(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, "")
	return context.WithValue(ctx, jobIDKey, "")
}
