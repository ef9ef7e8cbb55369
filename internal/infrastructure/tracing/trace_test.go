package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu    sync.Mutex
	spans []*Span
}

func (s *sink) export(span *Span) {
	s.mu.Lock()
	s.spans = append(s.spans, span)
	s.mu.Unlock()
}

func (s *sink) all() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.spans...)
}

func TestChildSpanContinuesTrace(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	parent, ctx := tracer.StartSpan(context.Background(), "request")
	child, childCtx := tracer.StartSpan(ctx, "lifecycle.load")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.Empty(t, parent.ParentID)
	assert.Equal(t, child.SpanID, GetSpanID(childCtx))
}

func TestCloseDrainsQueuedSpans(t *testing.T) {
	var s sink
	tracer := New("test", nil).WithExporter(s.export)

	for i := 0; i < 3; i++ {
		span, _ := tracer.StartSpan(context.Background(), "op")
		span.SetError(errors.New("boom"))
		span.Finish()
		tracer.Submit(span)
	}
	tracer.Close()

	assert.Eventually(t, func() bool { return len(s.all()) == 3 }, time.Second, 5*time.Millisecond)

	// Dropped after close
	span, _ := tracer.StartSpan(context.Background(), "late")
	tracer.Submit(span)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.all(), 3)
}

func TestHTTPMiddlewarePropagatesHeaders(t *testing.T) {
	var s sink
	tracer := New("test", nil).WithExporter(s.export)
	defer tracer.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMiddleware(tracer))
	r.GET("/apps/:app", func(c *gin.Context) {
		c.String(http.StatusOK, string(GetTraceID(c.Request.Context())))
	})

	req := httptest.NewRequest(http.MethodGet, "/apps/notes", nil)
	req.Header.Set(HeaderTraceID, "trace-1")
	req.Header.Set(HeaderSpanID, "upstream")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-1", w.Body.String())
	assert.Equal(t, "trace-1", w.Header().Get(HeaderTraceID))
	assert.NotEmpty(t, w.Header().Get(HeaderSpanID))

	require.Eventually(t, func() bool { return len(s.all()) == 1 }, time.Second, 5*time.Millisecond)
	span := s.all()[0]
	assert.Equal(t, "GET /apps/:app", span.Name)
	assert.Equal(t, SpanID("upstream"), span.ParentID)
	assert.Equal(t, "200", span.Tags["http.status"])
}
