// Package store defines the persistence collaborators the host consumes
// (policies, audit logs, security events, app data) and provides an
// in-memory implementation of all of them.
//
// GuardedAudit puts a circuit breaker in front of any AuditStore so that
// a failing backend degrades to dropped audit writes instead of stalled
// authorization decisions.
package store
