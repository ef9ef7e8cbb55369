// Package identity builds the security context a request or app load is
// authorized against. Roles and permissions come from pluggable sources
// and are cached per user.
package identity
