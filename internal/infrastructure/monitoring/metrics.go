package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Lifecycle metrics
	Instances    *prometheus.GaugeVec
	Loads        *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec
	Unloads      prometheus.Counter
	Retries      *prometheus.CounterVec

	// Sandbox metrics
	Violations     *prometheus.CounterVec
	CapabilityCall *prometheus.CounterVec

	// Authorization metrics
	PermissionChecks *prometheus.CounterVec
	PolicyMatches    *prometheus.CounterVec

	// Event bus metrics
	Events *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	LoadsSucceeded  int64   `json:"loads_succeeded"`
	LoadsFailed     int64   `json:"loads_failed"`
	Violations      int64   `json:"violations"`
	DeniedChecks    int64   `json:"denied_checks"`
	EventsPublished int64   `json:"events_published"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector registered on reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{startTime: time.Now()}

	// HTTP metrics
	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_http_requests_total",
			Help: "Total number of shell API requests",
		},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apphost_http_request_duration_seconds",
			Help:    "Shell API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Lifecycle metrics
	m.Instances = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apphost_instances",
			Help: "Runtime instances by status",
		},
		[]string{"status"},
	)
	m.Loads = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_loads_total",
			Help: "App load attempts by result",
		},
		[]string{"result"},
	)
	m.LoadDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apphost_load_duration_seconds",
			Help:    "Time from load request to mounted",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)
	m.Unloads = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "apphost_unloads_total",
			Help: "Completed app unloads",
		},
	)
	m.Retries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_retries_total",
			Help: "Recovery retries by trigger",
		},
		[]string{"trigger"},
	)

	// Sandbox metrics
	m.Violations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_resource_violations_total",
			Help: "Resource limit violations by type",
		},
		[]string{"type"},
	)
	m.CapabilityCall = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_capability_calls_total",
			Help: "Capability calls made by apps",
		},
		[]string{"capability", "result"},
	)

	// Authorization metrics
	m.PermissionChecks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_permission_checks_total",
			Help: "Permission checks by outcome and deciding stage",
		},
		[]string{"result", "stage"},
	)
	m.PolicyMatches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_policy_matches_total",
			Help: "Matched policy rules by action",
		},
		[]string{"action"},
	)

	// Event bus metrics
	m.Events = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_events_total",
			Help: "Events published on the host bus",
		},
		[]string{"type"},
	)

	// WebSocket metrics
	m.WSConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "apphost_ws_connections",
			Help: "Number of active event stream connections",
		},
	)
	m.WSMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_ws_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction", "type"},
	)

	// System metrics
	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "apphost_uptime_seconds",
			Help: "Host uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records a shell API request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordLoad records the outcome of a load attempt
func (m *Metrics) RecordLoad(result string, duration time.Duration) {
	m.Loads.WithLabelValues(result).Inc()
	m.LoadDuration.WithLabelValues(result).Observe(duration.Seconds())

	m.mu.Lock()
	if result == "success" {
		m.snapshot.LoadsSucceeded++
	} else {
		m.snapshot.LoadsFailed++
	}
	m.mu.Unlock()
}

// RecordUnload records a completed unload
func (m *Metrics) RecordUnload() {
	m.Unloads.Inc()
}

// RecordRetry records a recovery retry
func (m *Metrics) RecordRetry(trigger string) {
	m.Retries.WithLabelValues(trigger).Inc()
}

// SetInstances replaces the per-status instance gauges
func (m *Metrics) SetInstances(counts map[string]int) {
	m.Instances.Reset()
	for status, n := range counts {
		m.Instances.WithLabelValues(status).Set(float64(n))
	}
}

// RecordViolation records a resource violation
func (m *Metrics) RecordViolation(violationType string) {
	m.Violations.WithLabelValues(violationType).Inc()

	m.mu.Lock()
	m.snapshot.Violations++
	m.mu.Unlock()
}

// RecordCapabilityCall records a capability invocation
func (m *Metrics) RecordCapabilityCall(capability string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.CapabilityCall.WithLabelValues(capability, result).Inc()
}

// RecordPermissionCheck records a permission decision
func (m *Metrics) RecordPermissionCheck(allowed bool, stage string) {
	result := "allowed"
	if !allowed {
		result = "denied"
		m.mu.Lock()
		m.snapshot.DeniedChecks++
		m.mu.Unlock()
	}
	m.PermissionChecks.WithLabelValues(result, stage).Inc()
}

// RecordPolicyMatch records a matched policy rule
func (m *Metrics) RecordPolicyMatch(action string) {
	m.PolicyMatches.WithLabelValues(action).Inc()
}

// RecordEvent records a published bus event
func (m *Metrics) RecordEvent(eventType string) {
	m.Events.WithLabelValues(eventType).Inc()

	m.mu.Lock()
	m.snapshot.EventsPublished++
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// Snapshot returns the current JSON-friendly counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshot
	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	return snap
}
