package auth

import (
	"strings"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
)

// RoleAuthorizer grants amount editing to a fixed set of roles
type RoleAuthorizer struct {
	editors map[string]bool
}

// NewRoleAuthorizer creates an authorizer. With no roles given the
// default editor roles apply.
func NewRoleAuthorizer(editorRoles []string) *RoleAuthorizer {
	if len(editorRoles) == 0 {
		editorRoles = entity.DefaultEditorRoles
	}
	editors := make(map[string]bool, len(editorRoles))
	for _, r := range editorRoles {
		editors[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return &RoleAuthorizer{editors: editors}
}

// CanEditAmount implements port.Authorizer
func (a *RoleAuthorizer) CanEditAmount(user port.AuthContext) bool {
	if user.IsZero() {
		return false
	}
	return a.editors[strings.ToLower(user.Role)]
}

var _ port.Authorizer = (*RoleAuthorizer)(nil)
