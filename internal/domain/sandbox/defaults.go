package sandbox

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Default collection granted to every app
const DefaultCollection = "user_data"

// DefaultPermissions grants data reads and storage access; notifications
// must be granted explicitly
func DefaultPermissions() []types.AppPermission {
	return []types.AppPermission{
		{Resource: "data", Actions: []string{"read"}, Granted: true},
		{Resource: "storage", Actions: []string{"read", "write"}, Granted: true},
		{Resource: "notification", Actions: []string{"create"}, Granted: false},
	}
}

// DefaultLimits returns the per-instance resource ceilings
func DefaultLimits() types.ResourceLimits {
	return types.ResourceLimits{
		MemoryMB:             128,
		StorageMB:            50,
		CPUPercent:           25,
		NetworkBandwidthKBps: 1000,
		APICallsPerMinute:    100,
		MaxExecutionTime:     30 * time.Second,
	}
}

// DefaultNetwork allows HTTPS to any domain
func DefaultNetwork() types.NetworkPolicy {
	return types.NetworkPolicy{
		AllowedDomains:  []string{},
		BlockedDomains:  []string{},
		AllowSubdomains: true,
		EnforceHTTPS:    true,
		CORS: &types.CORSPolicy{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		},
	}
}

// DefaultDataAccess allows reads and writes, but not deletes, on the
// default collection
func DefaultDataAccess() types.DataAccessPolicy {
	return types.DataAccessPolicy{
		AllowedCollections: []string{DefaultCollection},
		AllowedOperations:  []types.DataOperation{types.OpSelect, types.OpInsert, types.OpUpdate},
		RowLevelSecurity:   true,
		AuditLogging:       true,
	}
}

// IsolationForTrust maps a trust score in [0,100] to an isolation level
func IsolationForTrust(trust int) types.IsolationLevel {
	switch {
	case trust >= 90:
		return types.IsolationNone
	case trust >= 70:
		return types.IsolationBasic
	case trust >= 50:
		return types.IsolationStandard
	case trust >= 30:
		return types.IsolationStrict
	default:
		return types.IsolationMaximum
	}
}

// merge applies overrides onto base. Whole sections are replaced, except
// limits where only non-zero fields win.
func merge(base types.SandboxConfig, o *types.SandboxOverrides) types.SandboxConfig {
	if o == nil {
		return base
	}
	if o.Isolation != "" {
		base.Isolation = o.Isolation
	}
	if o.Permissions != nil {
		base.Permissions = append([]types.AppPermission(nil), o.Permissions...)
	}
	if o.Limits != nil {
		base.Limits = mergeLimits(base.Limits, *o.Limits)
	}
	if o.Network != nil {
		base.Network = *o.Network
	}
	if o.DataAccess != nil {
		base.DataAccess = *o.DataAccess
	}
	return base
}

func mergeLimits(base, o types.ResourceLimits) types.ResourceLimits {
	if o.MemoryMB != 0 {
		base.MemoryMB = o.MemoryMB
	}
	if o.StorageMB != 0 {
		base.StorageMB = o.StorageMB
	}
	if o.CPUPercent != 0 {
		base.CPUPercent = o.CPUPercent
	}
	if o.NetworkBandwidthKBps != 0 {
		base.NetworkBandwidthKBps = o.NetworkBandwidthKBps
	}
	if o.APICallsPerMinute != 0 {
		base.APICallsPerMinute = o.APICallsPerMinute
	}
	if o.MaxExecutionTime != 0 {
		base.MaxExecutionTime = o.MaxExecutionTime
	}
	return base
}
