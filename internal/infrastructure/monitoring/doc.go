/*
Package monitoring provides Prometheus metrics for the app host.

# Overview

Metrics are registered on an injected prometheus.Registerer so that the
server uses the default registry while tests use a fresh one per case.

# Features

- Shell API request metrics (latency, status)
- Lifecycle metrics (instances by status, load results and duration, retries)
- Sandbox metrics (resource violations, capability calls)
- Authorization metrics (permission checks, matched policy rules)
- Event bus throughput by event type
- Event stream connection metrics

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics)
	// ... load an app ...
	timer.Stop("success")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
