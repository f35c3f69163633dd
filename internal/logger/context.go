package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds cycle-scoped logging context: the correlation fields
// attached to a feed command as it flows Hub -> Dispatcher -> Engine.
type LogContext struct {
	TraceID   string    // correlation ID for one feed command / cycle
	SpanID    string    // sub-operation ID within the cycle
	Component string    // emitting component (bridge, tank, scale, dispense, ...)
	TankUID   uint64    // tank UID involved, 0 if none
	RecipeUID uint32    // recipe UID involved, 0 if none
	Phase     string    // dispensing-engine phase, empty outside a cycle
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a freshly accepted command.
func NewLogContext(component string) *LogContext {
	return &LogContext{
		Component: component,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithPhase returns a copy with the phase set.
func (lc *LogContext) WithPhase(phase string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Phase = phase
	}
	return clone
}

// WithTank returns a copy with the tank UID set.
func (lc *LogContext) WithTank(uid uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TankUID = uid
	}
	return clone
}

// WithRecipe returns a copy with the recipe UID set.
func (lc *LogContext) WithRecipe(uid uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RecipeUID = uid
	}
	return clone
}

// WithTrace returns a copy with trace info set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
