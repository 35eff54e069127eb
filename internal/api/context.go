package api

import "context"

type contextKey struct{ name string }

var userIDKey = contextKey{"user_id"}

// WithUserID returns a context carrying the signed-in user's ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the user ID from ctx and true if set; otherwise "", false.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}

var providerTokenKey = contextKey{"provider_token"}

// WithProviderToken returns a context carrying the token the UI obtained from an OAuth provider.
func WithProviderToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, providerTokenKey, token)
}

// ProviderToken returns the OAuth provider token from ctx and true if set.
func ProviderToken(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(providerTokenKey).(string)
	return v, ok && v != ""
}
