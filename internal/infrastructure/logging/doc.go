// Package logging provides structured logging using uber/zap.
//
// Two output modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every host component receives a named child logger, so log lines carry
// the emitting component ("apphost.lifecycle", "apphost.sandbox", ...)
// alongside structured fields such as app_id and instance_id.
//
// Example Usage:
//
//	logger := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development)
//	lifecycleLog := logger.Component("lifecycle")
//	lifecycleLog.Info("App mounted", zap.String("app_id", "notes"))
package logging
