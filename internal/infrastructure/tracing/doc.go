/*
Package tracing provides lightweight request tracing for the host.

Spans carry a trace ID and a parent span ID through context.Context.
HTTPMiddleware opens one span per request and the API opens child spans
around lifecycle operations, so a slow load can be followed from the
request down to the mount. Finished spans are handed to a buffered
collector that logs them through zap.

# Usage

	tracer := tracing.New("apphost", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "lifecycle.load")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

# Trace Format

Traces use HTTP headers for propagation:
  - X-Trace-ID: identifier for the entire request flow
  - X-Span-ID: identifier for the current operation
*/
package tracing
