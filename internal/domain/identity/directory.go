package identity

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/permission"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// RoleSource resolves the roles held by a user
type RoleSource interface {
	UserRoles(ctx context.Context, userID string) ([]types.Role, error)
}

// PermissionSource resolves the permissions granted directly to a user
type PermissionSource interface {
	UserPermissions(ctx context.Context, userID string) ([]types.Permission, error)
}

// Directory is an in-memory RoleSource and PermissionSource. Users without
// an explicit role assignment receive the default role, and every user
// holds the default grants.
type Directory struct {
	mu            sync.RWMutex
	roles         map[string][]types.Role
	grants        map[string][]types.Permission
	defaultRole   *types.Role
	defaultGrants []types.Permission
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		roles:  make(map[string][]types.Role),
		grants: make(map[string][]types.Permission),
	}
}

// WithDefaultRole assigns roleID from the system roles to users that have
// no roles of their own
func (d *Directory) WithDefaultRole(roleID string) *Directory {
	if r, ok := permission.RoleByID(roleID); ok {
		d.defaultRole = &r
	}
	return d
}

// WithDefaultGrants grants "action:resource" declarations to every user.
// Malformed declarations are skipped.
func (d *Directory) WithDefaultGrants(decls []string) *Directory {
	for _, decl := range decls {
		if p, err := ParseGrant(decl); err == nil {
			d.defaultGrants = append(d.defaultGrants, p)
		}
	}
	return d
}

// ParseGrant turns an "action:resource" declaration into a permission
func ParseGrant(decl string) (types.Permission, error) {
	action, resource, err := types.ParseDeclaredPermission(decl)
	if err != nil {
		return types.Permission{}, err
	}
	return types.Permission{
		ID:       resource + "_" + action,
		Name:     resource + ":" + action,
		Resource: resource,
		Action:   action,
	}, nil
}

// AssignRole gives userID a role, replacing one with the same ID
func (d *Directory) AssignRole(userID string, role types.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()

	roles := d.roles[userID]
	for i := range roles {
		if roles[i].ID == role.ID {
			roles[i] = role
			return
		}
	}
	d.roles[userID] = append(roles, role)
}

// RevokeRole removes a role from userID
func (d *Directory) RevokeRole(userID, roleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	roles := d.roles[userID]
	out := roles[:0]
	for _, r := range roles {
		if r.ID != roleID {
			out = append(out, r)
		}
	}
	d.roles[userID] = out
}

// Grant gives userID a direct permission
func (d *Directory) Grant(userID string, perm types.Permission) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grants[userID] = append(d.grants[userID], perm)
}

// Revoke removes direct permissions of userID with the given ID
func (d *Directory) Revoke(userID, permID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	perms := d.grants[userID]
	out := perms[:0]
	for _, p := range perms {
		if p.ID != permID {
			out = append(out, p)
		}
	}
	d.grants[userID] = out
}

// UserRoles implements RoleSource
func (d *Directory) UserRoles(ctx context.Context, userID string) ([]types.Role, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roles := d.roles[userID]
	if len(roles) == 0 && d.defaultRole != nil {
		return []types.Role{*d.defaultRole}, nil
	}
	return append([]types.Role(nil), roles...), nil
}

// UserPermissions implements PermissionSource
func (d *Directory) UserPermissions(ctx context.Context, userID string) ([]types.Permission, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.Permission, 0, len(d.defaultGrants)+len(d.grants[userID]))
	out = append(out, d.defaultGrants...)
	return append(out, d.grants[userID]...), nil
}
