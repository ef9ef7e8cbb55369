// Package server wires the app host together.
//
// NewServer builds, in order:
//  1. Prometheus registry and host metrics
//  2. Event bus, in-memory stores and the guarded audit store
//  3. Policy engine (with default policies), permission engine and identity
//  4. Sandbox manager with data store, authorizer and fetcher
//  5. App registry, seeded from the apps directory and the built-in apps
//  6. Lifecycle manager
//  7. Gin router with recovery, tracing, metrics, CORS and rate limiting
//
// Routes are the REST API from package api/http, the event stream at
// /events and Prometheus exposition at the configured metrics path.
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg, nil)
//	go srv.Run()
//	...
//	srv.Shutdown(ctx)
package server
