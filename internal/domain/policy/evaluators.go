package policy

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Evaluator decides a custom condition. value is the condition value,
// including its "type" key.
type Evaluator func(value map[string]any, secCtx *types.SecurityContext, data map[string]any) bool

// Built-in custom evaluator names
const (
	EvaluatorRateLimit = "rate_limit"
	EvaluatorAnomaly   = "anomaly_detection"
	EvaluatorRiskScore = "risk_score"
)

// RegisterEvaluator installs or replaces a named custom evaluator
func (e *Engine) RegisterEvaluator(name string, fn Evaluator) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()
	e.evaluators[name] = fn
}

func (e *Engine) evaluator(name string) (Evaluator, bool) {
	e.evalMu.RLock()
	defer e.evalMu.RUnlock()
	fn, ok := e.evaluators[name]
	return fn, ok
}

func (e *Engine) builtinEvaluators() map[string]Evaluator {
	return map[string]Evaluator{
		EvaluatorRateLimit: e.limiters.exceeded,
		EvaluatorAnomaly:   func(map[string]any, *types.SecurityContext, map[string]any) bool { return false },
		EvaluatorRiskScore: riskScore,
	}
}

// riskScore matches when the context's risk_score attribute reaches the
// configured threshold. Without both values it matches.
func riskScore(value map[string]any, secCtx *types.SecurityContext, _ map[string]any) bool {
	threshold, ok := asFloat(value["threshold"])
	if !ok || secCtx == nil {
		return true
	}
	score, ok := asFloat(secCtx.Attributes["risk_score"])
	if !ok {
		return true
	}
	return score >= threshold
}

// rateSweepInterval bounds how often idle buckets are looked for
const rateSweepInterval = time.Minute

// rateLimiters keeps a token bucket per user and limit configuration.
// A bucket idle for a whole window has refilled, so it is dropped.
type rateLimiters struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	now       func() time.Time
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

func newRateLimiters(now func() time.Time) *rateLimiters {
	return &rateLimiters{buckets: make(map[string]*bucket), now: now}
}

// exceeded consumes one token for the context's user and reports whether
// the bucket was empty. limit requests are allowed per window seconds.
func (r *rateLimiters) exceeded(value map[string]any, secCtx *types.SecurityContext, _ map[string]any) bool {
	limit, ok := asFloat(value["limit"])
	if !ok || limit <= 0 {
		return false
	}
	window, ok := asFloat(value["window"])
	if !ok || window <= 0 {
		window = 60
	}

	subject := "anonymous"
	if secCtx != nil && secCtx.UserID != "" {
		subject = secCtx.UserID
	}
	key := fmt.Sprintf("%s|%g|%g", subject, limit, window)
	now := r.now()

	r.mu.Lock()
	if now.Sub(r.lastSweep) >= rateSweepInterval {
		r.sweep(now)
	}
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(limit/window), int(limit)),
			window:  time.Duration(window * float64(time.Second)),
		}
		r.buckets[key] = b
	}
	b.lastSeen = now
	r.mu.Unlock()

	return !b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for at least their window; mu must be held
func (r *rateLimiters) sweep(now time.Time) {
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) >= b.window {
			delete(r.buckets, key)
		}
	}
	r.lastSweep = now
}

// size returns the number of live buckets
func (r *rateLimiters) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
