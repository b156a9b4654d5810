package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions with
// keys set by other packages.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped fields threaded through a single manager
// or worker operation: which rank is handling it, which block it concerns,
// and when it started.
type LogContext struct {
	TraceID     string
	SpanID      string
	Rank        int
	SourceRank  uint32
	StructureID uint32
	BlockID     uint32
	StartTime   time.Time
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if none is set.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for an operation originating at rank.
func NewLogContext(rank int) *LogContext {
	return &LogContext{Rank: rank, StartTime: time.Now()}
}

// Clone returns a copy of lc.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithBlock returns a copy of lc scoped to the given (structure_id, block_id).
func (lc *LogContext) WithBlock(structureID, blockID uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.StructureID = structureID
		clone.BlockID = blockID
	}
	return clone
}

// WithSource returns a copy of lc annotated with the rank a message arrived from.
func (lc *LogContext) WithSource(sourceRank uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.SourceRank = sourceRank
	}
	return clone
}

// WithTrace returns a copy of lc with trace correlation IDs set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the elapsed time since lc.StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
