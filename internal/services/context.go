package services

import "context"

type contextKey string

const (
	cycleIDKey   contextKey = "cycle_id"
	phaseKey     contextKey = "phase"
	requestIDKey contextKey = "request_id"
)

// WithCycleID annotates context with the reconciliation cycle identifier.
func WithCycleID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, cycleIDKey, id)
}

// CycleIDFromContext extracts the reconciliation cycle identifier if present.
func CycleIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(cycleIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithPhase annotates context with the flow phase name.
func WithPhase(ctx context.Context, phase string) context.Context {
	if phase == "" {
		return ctx
	}
	return context.WithValue(ctx, phaseKey, phase)
}

// PhaseFromContext returns the flow phase name if present.
func PhaseFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(phaseKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
