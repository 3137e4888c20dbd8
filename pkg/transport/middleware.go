package transport

import "context"

// Middleware wraps a RunCreator.
type Middleware func(RunCreator) RunCreator

// Chain composes middleware; Chain(a, b)(h) is a(b(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(next RunCreator) RunCreator {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type requestIDKey struct{}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID returns ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}
