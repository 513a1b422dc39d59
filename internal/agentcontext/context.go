package agentcontext

import "context"

type contextKey string

const (
	taskIDKey        contextKey = "task_id"
	correlationIDKey contextKey = "correlation_id"
	sourceKey        contextKey = "source"
)

func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDKey, taskID)
}

func TaskIDFromContext(ctx context.Context) string {
	return stringValue(ctx, taskIDKey)
}

// WithCorrelationID marks every event built from ctx as causally linked to
// the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey)
}

// WithSource records which component is acting, used as the event source.
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey, source)
}

func SourceFromContext(ctx context.Context) string {
	return stringValue(ctx, sourceKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return ""
}
