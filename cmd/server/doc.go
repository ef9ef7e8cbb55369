// Package main is the entry point for the app host server.
//
// The host loads, runs and unloads sandboxed apps on behalf of a desktop
// shell. It exposes:
//   - REST API for the app registry, instances and authorization
//   - WebSocket event stream of lifecycle and sandbox events
//   - Prometheus metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -apps ./apps
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, unloading every app
package main
