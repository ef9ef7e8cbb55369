package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

func granted(perms []types.AppPermission, resource, action string) bool {
	for _, p := range perms {
		if p.Resource != resource {
			continue
		}
		for _, a := range p.Actions {
			if a == action {
				return p.Granted
			}
		}
	}
	return false
}

func TestOverridesForDefaults(t *testing.T) {
	o := overridesFor(types.AppDescriptor{ID: "notes"})

	assert.Empty(t, o.Isolation)
	assert.Nil(t, o.Limits)
	assert.Equal(t, sandbox.DefaultPermissions(), o.Permissions)
	require.NotNil(t, o.Network)
	assert.Equal(t, []string{"*"}, o.Network.BlockedDomains)
}

func TestOverridesForTrustAndCeilings(t *testing.T) {
	tests := []struct {
		name  string
		desc  types.AppDescriptor
		level types.IsolationLevel
	}{
		{"trusted", types.AppDescriptor{TrustLevel: 95}, types.IsolationNone},
		{"untrusted", types.AppDescriptor{TrustLevel: 10}, types.IsolationMaximum},
		{"explicit wins", types.AppDescriptor{TrustLevel: 95, Sandbox: &types.SandboxOverrides{Isolation: types.IsolationStrict}}, types.IsolationStrict},
		{"unrated", types.AppDescriptor{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.level, overridesFor(tt.desc).Isolation)
		})
	}

	o := overridesFor(types.AppDescriptor{
		MaxMemoryMB:  64,
		MaxStorageMB: 10,
		Sandbox:      &types.SandboxOverrides{Limits: &types.ResourceLimits{MemoryMB: 32}},
	})
	require.NotNil(t, o.Limits)
	assert.Equal(t, 32, o.Limits.MemoryMB)
	assert.Equal(t, 10, o.Limits.StorageMB)
}

func TestOverridesForNetwork(t *testing.T) {
	o := overridesFor(types.AppDescriptor{RequiresNetwork: true})
	assert.Nil(t, o.Network)

	custom := &types.NetworkPolicy{AllowedDomains: []string{"api.example.com"}}
	o = overridesFor(types.AppDescriptor{Sandbox: &types.SandboxOverrides{Network: custom}})
	assert.Equal(t, custom, o.Network)
}

func TestGrantDeclared(t *testing.T) {
	base := sandbox.DefaultPermissions()
	perms := grantDeclared(base, []string{"create:notification", "write:data", "bogus"})

	assert.True(t, granted(perms, "notification", "create"))
	assert.True(t, granted(perms, "data", "write"))
	assert.True(t, granted(perms, "data", "read"))
	assert.True(t, granted(perms, "storage", "write"))

	// The emptied denying entry is dropped and the base is untouched
	for _, p := range perms {
		assert.False(t, p.Resource == "notification" && !p.Granted)
	}
	assert.Equal(t, sandbox.DefaultPermissions(), base)
}
