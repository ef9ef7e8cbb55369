// Package sandbox confines app instances.
//
// Each loaded app gets a sandbox holding its effective permissions,
// resource limits, network policy and data access policy, plus a resource
// monitor. Programs are mounted and unmounted through a Boundary chosen by
// the sandbox's isolation level, and reach host services only through a
// Capabilities object that enforces the sandbox on every call.
//
// Isolation levels, weakest first:
//
//	none      direct calls, no capability checks
//	basic     props filtered, capability checks
//	standard  basic + panics contained as runtime faults
//	strict    standard + supervised goroutine bounded by the execution
//	          time limit, values deep-copied across the bridge
//	maximum   strict + capability calls rejected past the API budget
//
// Script programs run in their own goja VM with the Node-style module
// globals removed.
package sandbox
