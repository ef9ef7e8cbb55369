// Package http provides the shell REST API of the app host.
//
// This package exposes the lifecycle manager, the app registry and the
// authorization engines over HTTP using the Gin framework. Callers
// identify themselves with the X-User-ID and X-Session-ID headers; the
// identity provider turns them into a security context.
//
// Endpoints:
//   - Health: /health
//   - Registry: /apps, /apps/:app, /apps/:app/install
//   - Instances: /instances, /instances/:app, /instances/:app/{load,switch,reload,retry}
//   - Stats: /stats, /metrics/json
//   - Authorization: /authz/check, /policies, /policies/:id
//
// Errors are returned as {"error": message, "code": code} where code is
// the host error code when one applies.
//
// Example Usage:
//
//	handlers := http.NewHandlers(apps, lifecycle, permissions, policies, identity, logger)
//	handlers.Register(router)
package http
