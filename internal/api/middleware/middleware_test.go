package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw...)
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	return router
}

func get(router http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	router := setupTestRouter(CORS(DefaultCORSConfig()))

	tests := []struct {
		name           string
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{
			name:           "simple GET request with origin",
			method:         "GET",
			origin:         "http://localhost:3000",
			wantStatus:     http.StatusOK,
			wantCORSHeader: true,
		},
		{
			name:           "preflight OPTIONS request",
			method:         "OPTIONS",
			origin:         "http://localhost:3000",
			wantStatus:     http.StatusNoContent,
			wantCORSHeader: true,
		},
		{
			name:       "no origin header",
			method:     "GET",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.method == "OPTIONS" {
				req.Header.Set("Access-Control-Request-Method", "POST")
				req.Header.Set("Access-Control-Request-Headers", "X-User-ID")
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCORSHeader {
				assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORSForOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, CORSForOrigins(nil).AllowOrigins)

	router := setupTestRouter(CORS(CORSForOrigins([]string{"https://host.example"})))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://host.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://host.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimit(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}, nil))

	// Burst capacity
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, get(router, "/test", "192.168.1.1:1234").Code, "request %d", i+1)
	}

	w := get(router, "/test", "192.168.1.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Different client has its own bucket
	assert.Equal(t, http.StatusOK, get(router, "/test", "192.168.1.2:1234").Code)
}

func TestRateLimitExemptPaths(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, Burst: 1, Exempt: []string{"/health"}}
	router := setupTestRouter(RateLimit(cfg, nil))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "/health", "10.0.0.1:1").Code)
	}
	assert.Equal(t, http.StatusOK, get(router, "/test", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "/test", "10.0.0.1:1").Code)
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	now := time.Now()
	l := NewLimiter(RateLimitConfig{RequestsPerSecond: 10, Burst: 10, IdleTTL: time.Minute}, nil)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Clients())

	now = now.Add(30 * time.Second)
	require.True(t, l.Allow("b"))

	// "a" has been idle past the TTL; "b" was seen 30s ago
	now = now.Add(45 * time.Second)
	require.True(t, l.Allow("c"))
	assert.Equal(t, 2, l.Clients())
}
