package logging

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	cycleKey
)

// NewID returns a random identifier for correlation and cycle IDs.
func NewID() string {
	return uuid.NewString()
}

// WithCorrelationID tags ctx with the ID of the request that caused the work.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation ID carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// StartCycle tags ctx with a new refresh cycle ID and returns both.
func StartCycle(ctx context.Context) (context.Context, string) {
	id := NewID()
	return WithCycleID(ctx, id), id
}

// WithCycleID tags ctx with an existing cycle ID. A context without a
// correlation ID adopts the cycle ID as one, so upstream calls made by a
// background cycle can still be traced.
func WithCycleID(ctx context.Context, id string) context.Context {
	if CorrelationID(ctx) == "" {
		ctx = WithCorrelationID(ctx, id)
	}
	return context.WithValue(ctx, cycleKey, id)
}

// CycleID returns the refresh cycle ID carried by ctx, or "".
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey).(string)
	return id
}
