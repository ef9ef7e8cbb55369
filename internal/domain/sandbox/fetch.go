package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// DefaultMaxBodyBytes caps a fetched response body
const DefaultMaxBodyBytes = 1 << 20

var errServerStatus = errors.New("upstream server error")

// FetchRequest is an outbound HTTP request made on an app's behalf
type FetchRequest struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// FetchResponse is the bounded result of a fetch
type FetchResponse struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Truncated bool              `json:"truncated"`
}

// Fetcher performs app fetches behind a shared circuit breaker
type Fetcher struct {
	client  *resty.Client
	breaker *resilience.Breaker
	maxBody int64
	logger  *zap.Logger
}

// NewFetcher creates a fetcher whose client retries transient failures
func NewFetcher(logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("fetch")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	// Hand the last 5xx back instead of an opaque give-up error
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", "AgentOS-AppHost/1.0")

	return &Fetcher{
		client:  client,
		breaker: resilience.New("app-fetch", resilience.FetchSettings(logger)),
		maxBody: DefaultMaxBodyBytes,
		logger:  logger,
	}
}

// WithMaxBody sets the response body cap
func (f *Fetcher) WithMaxBody(n int64) *Fetcher {
	f.maxBody = n
	return f
}

// BreakerState exposes the breaker state for health reporting
func (f *Fetcher) BreakerState() resilience.State {
	return f.breaker.State()
}

// Do performs req for appID. The execution time limit bounds the request
// and the bandwidth limit over that time bounds the body.
func (f *Fetcher) Do(ctx context.Context, appID string, req FetchRequest, limits types.ResourceLimits) (*FetchResponse, error) {
	if limits.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.MaxExecutionTime)
		defer cancel()
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}

	bodyCap := f.maxBody
	if limits.NetworkBandwidthKBps > 0 && limits.MaxExecutionTime > 0 {
		allowance := int64(limits.NetworkBandwidthKBps) * 1024 * int64(limits.MaxExecutionTime/time.Second)
		if allowance > 0 && allowance < bodyCap {
			bodyCap = allowance
		}
	}

	result, err := resilience.Call(ctx, f.breaker, func(ctx context.Context) (*FetchResponse, error) {
		r := f.client.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			SetHeader("X-App-ID", appID).
			SetHeaders(req.Headers)
		if req.Body != nil {
			r.SetBody(req.Body)
		}

		resp, err := r.Execute(method, req.URL)
		if err != nil {
			return nil, err
		}
		out, err := readBounded(resp, bodyCap)
		if err != nil {
			return nil, err
		}
		if out.Status >= 500 {
			return out, errServerStatus
		}
		return out, nil
	})

	if errors.Is(err, errServerStatus) {
		return result, nil
	}
	if err != nil {
		f.logger.Debug("Fetch failed", zap.String("app_id", appID), zap.String("url", req.URL), zap.Error(err))
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	return result, nil
}

func readBounded(resp *resty.Response, limit int64) (*FetchResponse, error) {
	raw := resp.RawBody()
	if raw == nil {
		return &FetchResponse{Status: resp.StatusCode(), Headers: flatten(resp)}, nil
	}
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}
	return &FetchResponse{
		Status:    resp.StatusCode(),
		Headers:   flatten(resp),
		Body:      string(body),
		Truncated: truncated,
	}, nil
}

func flatten(resp *resty.Response) map[string]string {
	out := make(map[string]string)
	for k, v := range resp.Header() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
