package auth

import (
	"context"
	"strings"
)

type memberContextKey struct{}
type tokenContextKey struct{}

// ContextWithMember attaches the authenticated member id to the context.
func ContextWithMember(ctx context.Context, memberID string) context.Context {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return ctx
	}
	return context.WithValue(ctx, memberContextKey{}, memberID)
}

// MemberIDFromContext returns the authenticated member id, if any.
func MemberIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(memberContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
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
