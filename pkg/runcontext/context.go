// Package runcontext provides context accessors for values scoped to one
// pipeline run.
//
// Usage in services (read values):
//
//	runID := runcontext.RunID(ctx)
//	now := runcontext.Now(ctx)
//
// Usage in tests (inject values):
//
//	ctx = runcontext.WithTime(ctx, fixedTime)
package runcontext

import (
	"context"
	"time"
)

type (
	runIDKey   struct{}
	runTimeKey struct{}
	actorKey   struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyRunID   = runIDKey{}
	ContextKeyRunTime = runTimeKey{}
	ContextKeyActor   = actorKey{}
)

// RunID returns the correlation ID of the current pipeline run.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyRunID).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run correlation ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// Actor returns who asked for a privileged operation (reveal, erase), if known.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyActor).(string); ok {
		return v
	}
	return ""
}

// WithActor attaches the reviewer or operator identity.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ContextKeyActor, actor)
}

// Now returns the injected run time, or wall-clock time when none is set.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRunTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Service unit tests
//   - Batch runs that need one consistent "now" for skew checks
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRunTime, t)
}
