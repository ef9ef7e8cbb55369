package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/permission"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// DefaultCacheTTL bounds how long applicable-policy lookups are reused
const DefaultCacheTTL = 10 * time.Minute

// ErrInvalidPolicy is returned for policies that cannot be stored
var ErrInvalidPolicy = errors.New("invalid policy")

type cacheEntry struct {
	policies []types.Policy
	expires  time.Time
}

// Engine evaluates stored and context-supplied security policies
type Engine struct {
	store   store.PolicyStore
	audit   store.AuditStore
	bus     *events.Bus
	metrics *monitoring.Metrics
	logger  *zap.Logger
	now     func() time.Time

	cacheTTL time.Duration
	cacheMu  sync.RWMutex
	cache    map[string]cacheEntry
	group    singleflight.Group

	evalMu     sync.RWMutex
	evaluators map[string]Evaluator
	limiters   *rateLimiters
}

// NewEngine creates an engine over policies. audit may be nil.
func NewEngine(policies store.PolicyStore, audit store.AuditStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    policies,
		audit:    audit,
		logger:   logger.Named("policy"),
		now:      time.Now,
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
	e.limiters = newRateLimiters(func() time.Time { return e.now() })
	e.evaluators = e.builtinEvaluators()
	return e
}

// WithBus publishes security:audit and security:event on rule matches
func (e *Engine) WithBus(bus *events.Bus) *Engine {
	e.bus = bus
	return e
}

// WithMetrics counts rule matches by action
func (e *Engine) WithMetrics(metrics *monitoring.Metrics) *Engine {
	e.metrics = metrics
	return e
}

// WithClock replaces the time source used by time conditions, rate
// limiting and the cache
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithCacheTTL sets the applicable-policy cache lifetime; zero disables it
func (e *Engine) WithCacheTTL(ttl time.Duration) *Engine {
	e.cacheTTL = ttl
	return e
}

// EvaluatePolicy returns the action of the first rule of policyID that
// matches, or nil when the policy is missing, disabled, not applicable to
// secCtx, or no rule matched
func (e *Engine) EvaluatePolicy(ctx context.Context, policyID string, secCtx *types.SecurityContext, data map[string]any) (*types.PolicyAction, error) {
	p, err := e.store.GetPolicy(ctx, policyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", policyID, err)
	}
	if !p.Enabled || !Applies(p, secCtx) {
		return nil, nil
	}
	if rule := e.firstMatch(ctx, p, secCtx, data); rule != nil {
		action := rule.Action
		return &action, nil
	}
	return nil, nil
}

// EvaluateAllPolicies evaluates every applicable enabled policy of type
// policyType (all types when empty) in descending priority. The scan stops
// after the first allow or deny.
func (e *Engine) EvaluateAllPolicies(ctx context.Context, secCtx *types.SecurityContext, policyType types.PolicyType) ([]types.PolicyAction, error) {
	policies, err := e.ApplicablePolicies(ctx, secCtx, policyType)
	if err != nil {
		return nil, err
	}

	var actions []types.PolicyAction
	for _, p := range policies {
		rule := e.firstMatch(ctx, p, secCtx, nil)
		if rule == nil {
			continue
		}
		actions = append(actions, rule.Action)
		if rule.Action.Type.Terminal() {
			break
		}
	}
	return actions, nil
}

// Decide implements permission.Decider. It considers the context's own
// policies together with stored ones; the first allow or deny rule in
// descending priority order decides.
func (e *Engine) Decide(ctx context.Context, check types.PermissionCheck, secCtx *types.SecurityContext) (permission.Decision, bool) {
	stored, err := e.ApplicablePolicies(ctx, secCtx, "")
	if err != nil {
		e.logger.Warn("Falling back to context policies", zap.Error(err))
	}

	candidates := make([]types.Policy, 0, len(stored))
	seen := make(map[string]bool)
	if secCtx != nil {
		for _, p := range secCtx.Policies {
			if p.Enabled && Applies(p, secCtx) && !seen[p.ID] {
				seen[p.ID] = true
				candidates = append(candidates, p)
			}
		}
	}
	for _, p := range stored {
		if !seen[p.ID] {
			seen[p.ID] = true
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	data := make(map[string]any, len(check.Context)+2)
	for k, v := range check.Context {
		data[k] = v
	}
	data["resource"] = check.Resource
	data["action"] = check.Action

	ev := evaluation{secCtx: secCtx, data: data, now: e.now()}
	for _, p := range candidates {
		for _, rule := range p.Rules {
			if !e.evaluateCondition(rule.Condition, ev) {
				continue
			}
			e.recordMatch(ctx, p, rule, secCtx)
			if rule.Action.Type.Terminal() {
				return permission.Decision{
					Effect:     rule.Action.Type,
					PolicyID:   p.ID,
					PolicyName: p.Name,
					RuleID:     rule.ID,
					Message:    rule.Message,
				}, true
			}
		}
	}
	return permission.Decision{}, false
}

func (e *Engine) firstMatch(ctx context.Context, p types.Policy, secCtx *types.SecurityContext, data map[string]any) *types.PolicyRule {
	ev := evaluation{secCtx: secCtx, data: data, now: e.now()}
	for i := range p.Rules {
		if e.evaluateCondition(p.Rules[i].Condition, ev) {
			e.recordMatch(ctx, p, p.Rules[i], secCtx)
			return &p.Rules[i]
		}
	}
	return nil
}

// Applies reports whether p targets secCtx. No targets means everyone.
func Applies(p types.Policy, secCtx *types.SecurityContext) bool {
	if len(p.Targets) == 0 {
		return true
	}
	for _, target := range p.Targets {
		switch target.Type {
		case types.TargetAll:
			return true
		case types.TargetUser:
			if secCtx != nil && target.ID == secCtx.UserID {
				return true
			}
		case types.TargetRole:
			if secCtx != nil {
				for _, r := range secCtx.Roles {
					if r.ID == target.ID {
						return true
					}
				}
			}
		case types.TargetApp:
			if secCtx != nil && secCtx.AppID != "" && target.ID == secCtx.AppID {
				return true
			}
		}
	}
	return false
}

// ApplicablePolicies returns the enabled stored policies of policyType
// that apply to secCtx, highest priority first. Results are cached per
// subject and type.
func (e *Engine) ApplicablePolicies(ctx context.Context, secCtx *types.SecurityContext, policyType types.PolicyType) ([]types.Policy, error) {
	key := cacheKey(secCtx, policyType)

	if e.cacheTTL > 0 {
		e.cacheMu.RLock()
		entry, ok := e.cache[key]
		e.cacheMu.RUnlock()
		if ok && e.now().Before(entry.expires) {
			return entry.policies, nil
		}
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		enabled := true
		all, err := e.store.QueryPolicies(ctx, store.PolicyQuery{Enabled: &enabled, Type: policyType})
		if err != nil {
			return nil, fmt.Errorf("failed to query policies: %w", err)
		}
		applicable := make([]types.Policy, 0, len(all))
		for _, p := range all {
			if Applies(p, secCtx) {
				applicable = append(applicable, p)
			}
		}
		if e.cacheTTL > 0 {
			e.cacheMu.Lock()
			e.cache[key] = cacheEntry{policies: applicable, expires: e.now().Add(e.cacheTTL)}
			e.cacheMu.Unlock()
		}
		return applicable, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Policy), nil
}

func cacheKey(secCtx *types.SecurityContext, policyType types.PolicyType) string {
	if secCtx == nil {
		return "|" + string(policyType)
	}
	roles := make([]string, 0, len(secCtx.Roles))
	for _, r := range secCtx.Roles {
		roles = append(roles, r.ID)
	}
	sort.Strings(roles)
	return strings.Join([]string{secCtx.UserID, secCtx.AppID, string(policyType), strings.Join(roles, ",")}, "|")
}

func (e *Engine) clearCache() {
	e.cacheMu.Lock()
	e.cache = make(map[string]cacheEntry)
	e.cacheMu.Unlock()
}

// CreatePolicy stores a new policy, assigning an ID when empty
func (e *Engine) CreatePolicy(ctx context.Context, p types.Policy) (types.Policy, error) {
	if p.ID == "" {
		p.ID = id.NewPolicyID().String()
	}
	if err := validatePolicy(p); err != nil {
		return types.Policy{}, err
	}
	if err := e.store.SavePolicy(ctx, p); err != nil {
		return types.Policy{}, fmt.Errorf("failed to create policy: %w", err)
	}
	e.clearCache()
	return e.store.GetPolicy(ctx, p.ID)
}

// UpdatePolicy replaces an existing policy, keeping its ID and creation time
func (e *Engine) UpdatePolicy(ctx context.Context, policyID string, p types.Policy) (types.Policy, error) {
	existing, err := e.store.GetPolicy(ctx, policyID)
	if err != nil {
		return types.Policy{}, err
	}
	p.ID = policyID
	p.CreatedAt = existing.CreatedAt
	if err := validatePolicy(p); err != nil {
		return types.Policy{}, err
	}
	if err := e.store.SavePolicy(ctx, p); err != nil {
		return types.Policy{}, fmt.Errorf("failed to update policy: %w", err)
	}
	e.clearCache()
	return e.store.GetPolicy(ctx, policyID)
}

// DeletePolicy removes a policy
func (e *Engine) DeletePolicy(ctx context.Context, policyID string) error {
	if err := e.store.DeletePolicy(ctx, policyID); err != nil {
		return err
	}
	e.clearCache()
	return nil
}

// GetPolicy returns a stored policy
func (e *Engine) GetPolicy(ctx context.Context, policyID string) (types.Policy, error) {
	return e.store.GetPolicy(ctx, policyID)
}

// ListPolicies returns stored policies, highest priority first
func (e *Engine) ListPolicies(ctx context.Context, q store.PolicyQuery) ([]types.Policy, error) {
	return e.store.QueryPolicies(ctx, q)
}

func validatePolicy(p types.Policy) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	for i, rule := range p.Rules {
		if rule.ID == "" {
			return fmt.Errorf("%w: rule %d has no id", ErrInvalidPolicy, i)
		}
		if rule.Action.Type == "" {
			return fmt.Errorf("%w: rule %s has no action", ErrInvalidPolicy, rule.ID)
		}
	}
	return nil
}
