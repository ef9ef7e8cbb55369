package permission

import "github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"

// Role identifiers for the built-in system roles
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleDeveloper  = "developer"
	RoleUser       = "user"
	RoleGuest      = "guest"
)

// DefaultRoles returns the system roles in descending priority.
// Only super_admin carries a permission; the rest are granted by the
// identity source.
func DefaultRoles() []types.Role {
	return []types.Role{
		{
			ID:          RoleSuperAdmin,
			Name:        RoleSuperAdmin,
			Description: "Full system access",
			Priority:    1000,
			Permissions: []types.Permission{{
				ID:          "all",
				Name:        "All permissions",
				Description: "Complete system access",
				Resource:    Wildcard,
				Action:      Wildcard,
				Scope:       &types.Scope{Level: types.ScopeGlobal},
			}},
			IsSystem: true,
		},
		{ID: RoleAdmin, Name: RoleAdmin, Description: "Administrative access", Priority: 900, Permissions: []types.Permission{}, IsSystem: true},
		{ID: RoleDeveloper, Name: RoleDeveloper, Description: "App development access", Priority: 500, Permissions: []types.Permission{}, IsSystem: true},
		{ID: RoleUser, Name: RoleUser, Description: "Standard user access", Priority: 100, Permissions: []types.Permission{}, IsSystem: true},
		{ID: RoleGuest, Name: RoleGuest, Description: "Limited guest access", Priority: 10, Permissions: []types.Permission{}, IsSystem: true},
	}
}

// RoleByID returns the default role with the given id
func RoleByID(roleID string) (types.Role, bool) {
	for _, r := range DefaultRoles() {
		if r.ID == roleID {
			return r, true
		}
	}
	return types.Role{}, false
}

func isSuperAdmin(r types.Role) bool {
	return r.ID == RoleSuperAdmin || r.Name == RoleSuperAdmin
}
