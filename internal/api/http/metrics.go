package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// MetricsSnapshot is the JSON view of host metrics
type MetricsSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Counters  monitoring.MetricsSnapshot `json:"counters"`
	Lifecycle types.Stats                `json:"lifecycle"`
	Registry  types.RegistryStats        `json:"registry"`
	Summary   MetricsSummary             `json:"summary"`
}

// MetricsSummary provides high-level metrics
type MetricsSummary struct {
	ErrorRate       float64 `json:"error_rate"`
	LoadFailureRate float64 `json:"load_failure_rate"`
	Utilization     float64 `json:"utilization"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// MetricsJSON returns counters and lifecycle state as JSON
func (h *Handlers) MetricsJSON(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
		return
	}

	counters := h.metrics.Snapshot()
	stats := h.lifecycle.Stats()
	c.JSON(http.StatusOK, MetricsSnapshot{
		Timestamp: time.Now(),
		Counters:  counters,
		Lifecycle: stats,
		Registry:  h.apps.Stats(),
		Summary:   summarize(counters, stats),
	})
}

func summarize(counters monitoring.MetricsSnapshot, stats types.Stats) MetricsSummary {
	s := MetricsSummary{UptimeSeconds: counters.UptimeSeconds}
	if counters.TotalRequests > 0 {
		s.ErrorRate = float64(counters.TotalErrors) / float64(counters.TotalRequests)
	}
	if loads := counters.LoadsSucceeded + counters.LoadsFailed; loads > 0 {
		s.LoadFailureRate = float64(counters.LoadsFailed) / float64(loads)
	}
	if stats.Ceiling > 0 {
		s.Utilization = float64(stats.Admitted) / float64(stats.Ceiling)
	}
	return s
}
