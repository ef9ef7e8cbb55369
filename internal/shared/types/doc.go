// Package types provides shared data structures for the app host.
//
// Core Types:
//   - AppDescriptor: Registry metadata for an installable app
//   - Instance: A running occurrence of an app and its lifecycle Status
//   - SandboxConfig: Isolation level and limits for one app
//   - SecurityContext: Identity, roles, permissions and environment
//   - Policy: Prioritized rules evaluated by the policy engine
//
// Errors:
//   - AppError carries an ErrorCode, a recoverable flag and a retry count.
//     errors.Is(err, types.ErrLoadTimeout) matches on code.
//
// Example Usage:
//
//	inst := &types.Instance{
//	    ID:     id.NewInstanceID().String(),
//	    AppID:  "notes",
//	    Status: types.StatusLoading,
//	}
package types
