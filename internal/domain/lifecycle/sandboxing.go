package lifecycle

import (
	"slices"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// overridesFor derives the sandbox of an app from its descriptor: explicit
// overrides first, then trust level, declared ceilings and declared
// permissions
func overridesFor(desc types.AppDescriptor) *types.SandboxOverrides {
	o := types.SandboxOverrides{}
	if desc.Sandbox != nil {
		o = *desc.Sandbox
	}

	if o.Isolation == "" && desc.TrustLevel > 0 {
		o.Isolation = sandbox.IsolationForTrust(desc.TrustLevel)
	}

	if desc.MaxMemoryMB > 0 || desc.MaxStorageMB > 0 {
		var limits types.ResourceLimits
		if o.Limits != nil {
			limits = *o.Limits
		}
		if limits.MemoryMB == 0 {
			limits.MemoryMB = desc.MaxMemoryMB
		}
		if limits.StorageMB == 0 {
			limits.StorageMB = desc.MaxStorageMB
		}
		o.Limits = &limits
	}

	base := o.Permissions
	if base == nil {
		base = sandbox.DefaultPermissions()
	}
	o.Permissions = grantDeclared(base, desc.Permissions)

	if !desc.RequiresNetwork && o.Network == nil {
		network := sandbox.DefaultNetwork()
		network.BlockedDomains = []string{"*"}
		o.Network = &network
	}
	return &o
}

// grantDeclared returns perms with every declared "action:resource" granted.
// Denying entries lose the declared action so they cannot shadow the grant.
func grantDeclared(perms []types.AppPermission, declared []string) []types.AppPermission {
	out := make([]types.AppPermission, 0, len(perms)+len(declared))
	for _, p := range perms {
		p.Actions = slices.Clone(p.Actions)
		out = append(out, p)
	}

	for _, decl := range declared {
		action, resource, err := types.ParseDeclaredPermission(decl)
		if err != nil {
			continue
		}
		kept := out[:0]
		for _, p := range out {
			if p.Resource == resource && !p.Granted {
				p.Actions = slices.DeleteFunc(p.Actions, func(a string) bool { return a == action })
				if len(p.Actions) == 0 {
					continue
				}
			}
			kept = append(kept, p)
		}
		out = append(kept, types.AppPermission{Resource: resource, Actions: []string{action}, Granted: true})
	}
	return out
}
