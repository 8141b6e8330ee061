package obs

import (
	"context"
	"strings"
)

type (
	routePatternKey struct{}
	attemptIDKey    struct{}
)

// AttemptHeader carries the checkout attempt id on relay requests.
const AttemptHeader = "X-Checkout-Attempt"

// WithRoutePattern stores the matched router pattern on the context.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext extracts the route pattern from context if present.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(routePatternKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAttemptID tags the context with the checkout attempt it serves.
func WithAttemptID(ctx context.Context, attemptID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, attemptIDKey{}, strings.TrimSpace(attemptID))
}

// AttemptIDFromContext returns the checkout attempt id, or "".
func AttemptIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(attemptIDKey{}).(string)
	return v
}
