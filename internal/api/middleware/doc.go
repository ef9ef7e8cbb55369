// Package middleware provides the gin middleware in front of the host API.
//
// CORS wraps gin-contrib/cors with defaults that admit the identity
// headers (X-User-ID, X-Session-ID) and expose Retry-After.
//
// RateLimit keeps one token bucket per client IP. Clients idle for longer
// than IdleTTL are evicted on a later request, so the table stays bounded
// without a background goroutine. Rejected requests get 429 with a
// Retry-After header.
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.CORSForOrigins(cfg.CORS.AllowOrigins)))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig(), logger))
package middleware
