package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

func localNetwork() *types.NetworkPolicy {
	return &types.NetworkPolicy{AllowedDomains: []string{"127.0.0.1"}}
}

func TestFetcherDo(t *testing.T) {
	received := make(chan [2]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		received <- [2]string{r.Header.Get("X-App-ID"), string(raw)}
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	f := NewFetcher(nil)
	resp, err := f.Do(context.Background(), "notes", FetchRequest{
		Method: "post",
		URL:    srv.URL,
		Body:   map[string]any{"title": "x"},
	}, DefaultLimits())
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "created", resp.Body)
	assert.Equal(t, "yes", resp.Headers["X-Reply"])
	assert.False(t, resp.Truncated)
	got := <-received
	assert.Equal(t, "notes", got[0])
	assert.JSONEq(t, `{"title":"x"}`, got[1])
}

func TestFetcherTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	resp, err := NewFetcher(nil).WithMaxBody(10).Do(context.Background(), "notes", FetchRequest{URL: srv.URL}, DefaultLimits())
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Body, 10)
}

func TestFetcherBandwidthBoundsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("b", 4096)))
	}))
	defer srv.Close()

	limits := types.ResourceLimits{NetworkBandwidthKBps: 1, MaxExecutionTime: 2 * time.Second}
	resp, err := NewFetcher(nil).Do(context.Background(), "notes", FetchRequest{URL: srv.URL}, limits)
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Body, 2048)
}

func TestFetcherReturnsServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	resp, err := NewFetcher(nil).Do(context.Background(), "notes", FetchRequest{URL: srv.URL}, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "down", resp.Body)
	// Transient statuses are retried before giving up
	assert.Equal(t, int32(3), hits.Load())
}

func TestCapabilitiesFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m, _ := newTestManager(t)

	noFetcher := newCaps(t, m, "calendar", &types.SandboxOverrides{Network: localNetwork()})
	_, err := noFetcher.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))

	m.WithFetcher(NewFetcher(nil))
	caps := newCaps(t, m, "notes", &types.SandboxOverrides{Network: localNetwork()})

	resp, err := caps.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Body)

	_, err = caps.Fetch(context.Background(), FetchRequest{URL: "http://example.com"})
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))

	// Default policy enforces HTTPS
	web := newCaps(t, m, "web", nil)
	_, err = web.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
}
