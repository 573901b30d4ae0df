package middleware

import "context"

type (
	actorKey     struct{}
	requestIDKey struct{}
)

// ActorFromContext returns the operator recorded by AdminToken, if any.
func ActorFromContext(ctx context.Context) string {
	return stringValue(ctx, actorKey{})
}

func WithActor(ctx context.Context, actor string) context.Context {
	return withString(ctx, actorKey{}, actor)
}

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

func withString(ctx context.Context, key any, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
