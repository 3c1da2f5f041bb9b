package application

import "context"

type sourceKey struct{}

// Message sources used in metrics and logs.
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// WithSource tags ctx with the transport a message arrived on.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the transport tag, or "unknown".
func SourceFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if source, ok := ctx.Value(sourceKey{}).(string); ok && source != "" {
		return source
	}
	return "unknown"
}
