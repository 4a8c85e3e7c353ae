package external

import (
	"context"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/config"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// StaticDirectory implements UserProvider and RoleProvider from the
// config file's user list. It is the directory the bundled server ships
// with; hosts embedding the engine supply providers backed by their own
// identity system.
type StaticDirectory struct {
	users       map[string]*entity.User
	order       []string
	roles       map[string]map[string]bool
	groups      map[string]map[string]bool
	permissions map[string]map[string]bool
}

// NewStaticDirectory builds a directory from configured users
func NewStaticDirectory(users []config.UserConfig) *StaticDirectory {
	d := &StaticDirectory{
		users:       make(map[string]*entity.User, len(users)),
		roles:       make(map[string]map[string]bool),
		groups:      make(map[string]map[string]bool),
		permissions: make(map[string]map[string]bool),
	}
	for _, u := range users {
		d.users[u.ID] = &entity.User{
			ID:          u.ID,
			Name:        u.Name,
			Email:       u.Email,
			IsSuperuser: u.Superuser,
		}
		d.order = append(d.order, u.ID)
		d.roles[u.ID] = toSet(u.Roles)
		d.groups[u.ID] = toSet(u.Groups)
		d.permissions[u.ID] = toSet(u.Permissions)
	}
	return d
}

// GetByID returns nil when the user is unknown
func (d *StaticDirectory) GetByID(_ context.Context, id string) (*entity.User, error) {
	return d.users[id], nil
}

// Superusers lists all configured superusers
func (d *StaticDirectory) Superusers(_ context.Context) ([]*entity.User, error) {
	var out []*entity.User
	for _, id := range d.order {
		if d.users[id].IsSuperuser {
			out = append(out, d.users[id])
		}
	}
	return out, nil
}

// List returns all users in configuration order
func (d *StaticDirectory) List(_ context.Context) ([]*entity.User, error) {
	out := make([]*entity.User, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.users[id])
	}
	return out, nil
}

// UserHasRole reports role membership
func (d *StaticDirectory) UserHasRole(_ context.Context, userID, role string) (bool, error) {
	return d.roles[userID][role], nil
}

// UserInGroup reports group membership
func (d *StaticDirectory) UserInGroup(_ context.Context, userID, group string) (bool, error) {
	return d.groups[userID][group], nil
}

// UsersWithRole lists the ids of users holding a role
func (d *StaticDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	var out []string
	for _, id := range d.order {
		if d.roles[id][role] {
			out = append(out, id)
		}
	}
	return out, nil
}

// UsersInGroup lists the ids of a group's members
func (d *StaticDirectory) UsersInGroup(_ context.Context, group string) ([]string, error) {
	var out []string
	for _, id := range d.order {
		if d.groups[id][group] {
			out = append(out, id)
		}
	}
	return out, nil
}

// HasPermission reports whether the user holds a named permission
func (d *StaticDirectory) HasPermission(_ context.Context, userID, permission string) (bool, error) {
	return d.permissions[userID][permission], nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// Verify interface compliance
var (
	_ port.UserProvider = (*StaticDirectory)(nil)
	_ port.RoleProvider = (*StaticDirectory)(nil)
)
