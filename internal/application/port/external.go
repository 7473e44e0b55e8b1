package port

import (
	"context"

	"github.com/garyjia/trip-allowance/internal/domain/allowance"
)

// FxProvider resolves a USD/IDR mid-rate for a calendar date (YYYY-MM-DD).
// All errors are recoverable.
type FxProvider interface {
	FetchRate(ctx context.Context, date string) (allowance.FxSnapshot, error)
	Enabled() bool
}

// AuthContext identifies the user performing an operation
type AuthContext struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
}

// IsZero reports whether no user is attached
func (a AuthContext) IsZero() bool {
	return a.UserID == ""
}

// IdentityProvider turns a credential into an AuthContext
type IdentityProvider interface {
	Authenticate(ctx context.Context, credential string) (AuthContext, error)
}

// Authorizer answers capability checks for a user
type Authorizer interface {
	CanEditAmount(auth AuthContext) bool
}
