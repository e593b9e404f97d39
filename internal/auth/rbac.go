package auth

import (
	"context"
	"errors"

	"github.com/talkline/talkline/internal/model"
	"github.com/talkline/talkline/internal/store"
)

// Well-known role ids. Role administration requires RoleAdmin; report
// moderation accepts either.
const (
	RoleAdmin     int64 = 1
	RoleModerator int64 = 2
)

// Access answers role questions for authenticated users. Lookups hit
// the store directly on every call; there is no cache to invalidate
// when a role is granted or removed.
type Access struct {
	roles store.RoleStore
	users store.UserStore
}

func NewAccess(roles store.RoleStore, users store.UserStore) *Access {
	return &Access{roles: roles, users: users}
}

func (a *Access) RolesOf(ctx context.Context, userID int64) ([]model.Role, error) {
	return a.roles.ListRoles(ctx, userID)
}

// HasAccess reports whether the user holds any of the required roles.
// Users flagged admin on their account row pass regardless of role
// assignment; the flag is checked only after the role intersection
// comes up empty.
func (a *Access) HasAccess(ctx context.Context, userID int64, required ...int64) (bool, error) {
	roles, err := a.roles.ListRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		for _, want := range required {
			if role.ID == want {
				return true, nil
			}
		}
	}
	admin, err := a.users.IsAdmin(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return admin, nil
}
