package auth

import (
	"context"

	"github.com/garyjia/trip-allowance/internal/application/port"
)

type contextKey string

const userKey contextKey = "auth_user"

// WithUser attaches the authenticated user to ctx
func WithUser(ctx context.Context, user port.AuthContext) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user, if any
func UserFromContext(ctx context.Context) (port.AuthContext, bool) {
	user, ok := ctx.Value(userKey).(port.AuthContext)
	return user, ok && !user.IsZero()
}
