// Package config provides 12-factor configuration management for the app host.
//
// Configuration is loaded from environment variables with defaults that
// match the shell's historical behavior (five concurrent apps, a 30 second
// load timeout, no automatic recovery).
//
// Configuration Sections:
//   - Server: HTTP shell API settings (port, host)
//   - Host: Admission ceiling, load/unload timeouts, recovery policy
//   - Security: Cache lifetimes and default isolation
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting for the shell API
//   - Metrics: Prometheus exposition
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Admitting up to %d apps\n", cfg.Host.MaxConcurrentApps)
//
// Environment Variables:
//   - PORT, HOST
//   - MAX_CONCURRENT_APPS, APP_LOAD_TIMEOUT, APP_UNLOAD_TIMEOUT
//   - AUTO_RECOVER, MAX_RETRIES, RETRY_DELAY, MONITOR_INTERVAL, VIOLATION_POLICY, APPS_DIR
//   - PERMISSION_CACHE_TTL, POLICY_CACHE_TTL, DEFAULT_ISOLATION, INSTALL_DEFAULT_POLICIES
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - METRICS_ENABLED, METRICS_PATH
package config
