package eventing

import "context"

type contextKey string

const contextKeyCorr contextKey = "eventing.correlation_id"

// WithCorrelationID sets correlation id in context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// CorrelationIDFromContext returns the correlation id, or "" when unset.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if corr, ok := ctx.Value(contextKeyCorr).(string); ok {
		return corr
	}
	return ""
}
