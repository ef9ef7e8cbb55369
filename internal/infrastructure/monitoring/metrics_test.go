package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the value of the series in family name whose labels
// include every pair in labels.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			matched := 0
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want == lp.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestRecordLoad(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLoad("success", 10*time.Millisecond)
	m.RecordLoad("success", 20*time.Millisecond)
	m.RecordLoad("admission_limit", time.Millisecond)

	assert.Equal(t, 2.0, sample(t, reg, "apphost_loads_total", map[string]string{"result": "success"}))
	assert.Equal(t, 1.0, sample(t, reg, "apphost_loads_total", map[string]string{"result": "admission_limit"}))

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.LoadsSucceeded)
	assert.EqualValues(t, 1, snap.LoadsFailed)
}

func TestSetInstancesReplacesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SetInstances(map[string]int{"active": 1, "mounted": 2})
	m.SetInstances(map[string]int{"active": 1})

	assert.Equal(t, 1.0, sample(t, reg, "apphost_instances", map[string]string{"status": "active"}))
	assert.Equal(t, 0.0, sample(t, reg, "apphost_instances", map[string]string{"status": "mounted"}))
}

func TestPermissionCheckSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordPermissionCheck(true, "role")
	m.RecordPermissionCheck(false, "policy")
	m.RecordPermissionCheck(false, "default")

	assert.EqualValues(t, 2, m.Snapshot().DeniedChecks)
	assert.Equal(t, 1.0, sample(t, reg, "apphost_permission_checks_total", map[string]string{"result": "denied", "stage": "policy"}))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/instances/:app", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/instances/notes", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1.0, sample(t, reg, "apphost_http_requests_total",
		map[string]string{"method": "GET", "path": "/instances/:app", "status": "404"}))
	assert.EqualValues(t, 1, m.Snapshot().TotalErrors)
}

func TestTimerWithoutMetrics(t *testing.T) {
	timer := NewTimer(nil)
	assert.GreaterOrEqual(t, timer.Stop("success"), time.Duration(0))
}
