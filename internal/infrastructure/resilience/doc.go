/*
Package resilience provides a circuit breaker for calls the host makes to
collaborators it does not control.

# Overview

The host guards two kinds of outbound work with a breaker: writes to the
audit and policy stores on the authorization path, and fetches that apps
issue through their capability object. When a collaborator keeps failing
the breaker opens and calls fail fast with ErrCircuitOpen instead of
stalling permission checks or app code.

# Usage

	breaker := resilience.New("audit-store", resilience.StoreSettings(logger))

	err := breaker.Do(ctx, func(ctx context.Context) error {
		return store.InsertAuditLog(ctx, entry)
	})
	if resilience.IsRejection(err) {
		// dropped while the store is unhealthy
	}

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
