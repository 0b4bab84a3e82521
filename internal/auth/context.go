package auth

import "context"

type callerContextKey struct{}
type tokenContextKey struct{}

// ContextWithCaller attaches the authenticated caller to the context.
func ContextWithCaller(ctx context.Context, caller User) context.Context {
	return context.WithValue(ctx, callerContextKey{}, &caller)
}

// CallerFromContext extracts the authenticated caller from the context.
func CallerFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	v, ok := ctx.Value(callerContextKey{}).(*User)
	if !ok || v == nil {
		return User{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
