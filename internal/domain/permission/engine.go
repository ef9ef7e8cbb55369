package permission

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Decision stages, also used as metric labels
const (
	StageSuperAdmin = "super_admin"
	StageRole       = "role"
	StageDirect     = "direct"
	StagePolicy     = "policy"
	StageDefault    = "default"
)

// Decision is a verdict reached by a policy rule
type Decision struct {
	Effect     types.ActionType
	PolicyID   string
	PolicyName string
	RuleID     string
	Message    string
}

// Decider consults policies for a check that no permission granted.
// ok is false when no allow or deny rule matched.
type Decider interface {
	Decide(ctx context.Context, check types.PermissionCheck, secCtx *types.SecurityContext) (d Decision, ok bool)
}

// Engine evaluates permission checks
type Engine struct {
	decider Decider
	bus     *events.Bus
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewEngine creates an engine. decider may be nil, in which case the
// policy stage is skipped.
func NewEngine(decider Decider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{decider: decider, logger: logger.Named("permission")}
}

// WithBus publishes a security:audit event for every check
func (e *Engine) WithBus(bus *events.Bus) *Engine {
	e.bus = bus
	return e
}

// WithMetrics counts checks by outcome and deciding stage
func (e *Engine) WithMetrics(metrics *monitoring.Metrics) *Engine {
	e.metrics = metrics
	return e
}

// CheckPermission decides check for secCtx. A nil context is denied.
func (e *Engine) CheckPermission(ctx context.Context, check types.PermissionCheck, secCtx *types.SecurityContext) types.CheckResult {
	result, stage := e.evaluate(ctx, check, secCtx)

	if e.metrics != nil {
		e.metrics.RecordPermissionCheck(result.Allowed, stage)
	}
	e.audit(check, secCtx, result, stage)
	return result
}

func (e *Engine) evaluate(ctx context.Context, check types.PermissionCheck, secCtx *types.SecurityContext) (types.CheckResult, string) {
	if secCtx == nil {
		return types.CheckResult{Allowed: false, Reason: "No security context"}, StageDefault
	}

	for _, role := range secCtx.Roles {
		if isSuperAdmin(role) {
			return types.CheckResult{Allowed: true, Reason: "Super admin access"}, StageSuperAdmin
		}
	}

	for _, role := range secCtx.Roles {
		for _, perm := range role.Permissions {
			if e.grants(perm, check, secCtx) {
				return types.CheckResult{
					Allowed:         true,
					Reason:          "Allowed by role: " + role.Name,
					AppliedPolicies: []string{role.ID},
				}, StageRole
			}
		}
	}

	for _, perm := range secCtx.Permissions {
		if e.grants(perm, check, secCtx) {
			return types.CheckResult{Allowed: true, Reason: "Direct permission: " + perm.Name}, StageDirect
		}
	}

	if e.decider != nil {
		if d, ok := e.decider.Decide(ctx, check, secCtx); ok {
			switch d.Effect {
			case types.ActionAllow:
				return types.CheckResult{
					Allowed:         true,
					Reason:          "Allowed by policy: " + d.PolicyName,
					AppliedPolicies: []string{d.PolicyID},
				}, StagePolicy
			case types.ActionDeny:
				reason := d.Message
				if reason == "" {
					reason = "Denied by policy: " + d.PolicyName
				}
				return types.CheckResult{
					Allowed:         false,
					Reason:          reason,
					AppliedPolicies: []string{d.PolicyID},
				}, StagePolicy
			}
		}
	}

	return types.CheckResult{
		Allowed:             false,
		Reason:              "No matching permission found",
		RequiredPermissions: []types.Permission{RequiredPermission(check)},
		Suggestions:         suggestions(check, secCtx),
	}, StageDefault
}

// grants checks resource/action and, when both sides carry one, the scope
func (e *Engine) grants(perm types.Permission, check types.PermissionCheck, secCtx *types.SecurityContext) bool {
	if !Matches(perm, check.Resource, check.Action) {
		return false
	}
	if perm.Scope != nil && check.Scope != nil {
		return ScopeSatisfies(*perm.Scope, *check.Scope, secCtx)
	}
	return true
}

func suggestions(check types.PermissionCheck, secCtx *types.SecurityContext) []string {
	var similar []string
	for _, p := range secCtx.Permissions {
		if p.Resource == check.Resource || p.Action == check.Action {
			similar = append(similar, p.Name)
		}
	}

	var out []string
	if len(similar) > 0 {
		out = append(out, "You have similar permissions: "+strings.Join(similar, ", "))
	}
	return append(out, "Contact your administrator to request this permission")
}

// Authorize is CheckPermission as an error. Policy denials map to
// POLICY_DENIED, everything else to PERMISSION_DENIED.
func (e *Engine) Authorize(ctx context.Context, resource, action string, secCtx *types.SecurityContext) error {
	check := types.PermissionCheck{Resource: resource, Action: action}
	result, stage := e.evaluate(ctx, check, secCtx)
	if e.metrics != nil {
		e.metrics.RecordPermissionCheck(result.Allowed, stage)
	}
	e.audit(check, secCtx, result, stage)

	if result.Allowed {
		return nil
	}
	appID := ""
	if secCtx != nil {
		appID = secCtx.AppID
	}
	code := types.CodePermissionDenied
	if stage == StagePolicy {
		code = types.CodePolicyDenied
	}
	return types.NewAppError(code, appID, fmt.Sprintf("%s:%s: %s", resource, action, result.Reason), nil)
}

// ValidateDeclared checks every "action:resource" declaration against
// secCtx and returns the ones that are not granted, in declaration order
func (e *Engine) ValidateDeclared(ctx context.Context, declared []string, secCtx *types.SecurityContext) ([]string, error) {
	var missing []string
	for _, decl := range declared {
		action, resource, err := types.ParseDeclaredPermission(decl)
		if err != nil {
			return nil, err
		}
		res := e.CheckPermission(ctx, types.PermissionCheck{Resource: resource, Action: action}, secCtx)
		if !res.Allowed {
			missing = append(missing, decl)
		}
	}
	return missing, nil
}

func (e *Engine) audit(check types.PermissionCheck, secCtx *types.SecurityContext, result types.CheckResult, stage string) {
	userID, appID := "", ""
	if secCtx != nil {
		userID, appID = secCtx.UserID, secCtx.AppID
	}

	e.logger.Debug("Permission checked",
		zap.String("user_id", userID),
		zap.String("app_id", appID),
		zap.String("resource", check.Resource),
		zap.String("action", check.Action),
		zap.Bool("allowed", result.Allowed),
		zap.String("stage", stage))

	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:  events.SecurityAudit,
		AppID: appID,
		Payload: map[string]any{
			"kind":     "permission_check",
			"user_id":  userID,
			"resource": check.Resource,
			"action":   check.Action,
			"allowed":  result.Allowed,
			"reason":   result.Reason,
			"stage":    stage,
		},
	})
}
