// Package permission decides whether a security context may perform an
// action on a resource.
//
// Checks run in a fixed order: super-admin role, role permissions, direct
// permissions, then an optional policy Decider. The first stage to reach a
// verdict wins. Denials carry the synthesized permission that would have
// been required and suggestions drawn from what the context already holds.
package permission
