// Package credential carries a per-request provider API key through a
// context. Providers consult [APIKey] before falling back to the key they
// were configured with, so one process can serve callers holding different
// vendor accounts without a restart.
package credential

import "context"

type ctxKey struct{}

// WithAPIKey returns a child of ctx carrying key. An empty key returns ctx
// unchanged.
func WithAPIKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, key)
}

// APIKey returns the override stored in ctx, if any.
func APIKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(ctxKey{}).(string)
	return key, ok && key != ""
}

// Resolve returns the override stored in ctx or fallback.
func Resolve(ctx context.Context, fallback string) string {
	if key, ok := APIKey(ctx); ok {
		return key
	}
	return fallback
}
