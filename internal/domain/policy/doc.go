// Package policy evaluates prioritized security policies.
//
// A policy holds ordered rules, each a condition tree mapped to an action.
// Conditions test held permissions, the resource being accessed, the time,
// the client address, or a named custom evaluator. Engine implements
// permission.Decider so the permission engine can fall back to policies
// when no role or direct permission grants a check.
//
// Every matched rule is written to the audit store and published on the
// event bus.
package policy
