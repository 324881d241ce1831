package middleware

import (
	"context"
	"time"

	"github.com/technosupport/vms-alerts/internal/tokens"
)

type contextKey string

const AuthContextKey contextKey = "auth_context"

// AuthContext is the authenticated operator behind a request.
type AuthContext struct {
	OperatorID string
	Role       tokens.Role
	TokenID    string // jti
	ExpiresAt  time.Time
}

func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return val, ok
}

func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, ac)
}
