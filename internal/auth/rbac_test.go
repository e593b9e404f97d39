package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkline/talkline/internal/model"
	"github.com/talkline/talkline/internal/store"
)

type memRoleStore struct {
	roles map[int64][]model.Role
}

func (m *memRoleStore) CreateRole(context.Context, *model.Role) (int64, error) { return 0, nil }
func (m *memRoleStore) GetRole(context.Context, int64) (model.Role, error) {
	return model.Role{}, store.ErrNotFound
}
func (m *memRoleStore) UpdateRole(context.Context, model.Role) error     { return nil }
func (m *memRoleStore) AssignRole(context.Context, int64, int64) error   { return nil }
func (m *memRoleStore) ListRoles(_ context.Context, userID int64) ([]model.Role, error) {
	return m.roles[userID], nil
}

type memUserStore struct {
	admins map[int64]bool
}

func (m *memUserStore) CreateUser(context.Context, *model.User, string) (int64, error) {
	return 0, nil
}
func (m *memUserStore) GetUser(context.Context, int64) (model.User, error) {
	return model.User{}, store.ErrNotFound
}
func (m *memUserStore) GetUserByEmail(context.Context, string) (model.User, string, error) {
	return model.User{}, "", store.ErrNotFound
}
func (m *memUserStore) GetProfile(context.Context, string) (model.Profile, error) {
	return model.Profile{}, store.ErrNotFound
}
func (m *memUserStore) IsAdmin(_ context.Context, userID int64) (bool, error) {
	admin, ok := m.admins[userID]
	if !ok {
		return false, store.ErrNotFound
	}
	return admin, nil
}

func TestHasAccessByRole(t *testing.T) {
	roles := &memRoleStore{roles: map[int64][]model.Role{
		1: {{ID: RoleModerator, Name: "moderator"}},
	}}
	users := &memUserStore{admins: map[int64]bool{1: false}}
	access := NewAccess(roles, users)

	ok, err := access.HasAccess(context.Background(), 1, RoleAdmin, RoleModerator)
	require.NoError(t, err)
	assert.True(t, ok)

	// Moderator role alone does not grant admin-only access.
	ok, err = access.HasAccess(context.Background(), 1, RoleAdmin)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasAccessAdminBypass(t *testing.T) {
	roles := &memRoleStore{roles: map[int64][]model.Role{}}
	users := &memUserStore{admins: map[int64]bool{2: true}}
	access := NewAccess(roles, users)

	ok, err := access.HasAccess(context.Background(), 2, RoleAdmin)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasAccessDenied(t *testing.T) {
	roles := &memRoleStore{roles: map[int64][]model.Role{}}
	users := &memUserStore{admins: map[int64]bool{3: false}}
	access := NewAccess(roles, users)

	ok, err := access.HasAccess(context.Background(), 3, RoleAdmin, RoleModerator)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown user is simply denied, not an error.
	ok, err = access.HasAccess(context.Background(), 99, RoleAdmin)
	require.NoError(t, err)
	assert.False(t, ok)
}
