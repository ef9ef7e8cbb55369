package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// DefaultPolicies returns the policies installed on a fresh host
func DefaultPolicies() []types.Policy {
	everyone := []types.PolicyTarget{{Type: types.TargetAll}}

	return []types.Policy{
		{
			ID:   "default_access_control",
			Name: "Default Access Control",
			Type: types.PolicyAccessControl,
			Rules: []types.PolicyRule{{
				ID: "deny_unauthorized",
				Condition: types.PolicyCondition{
					Type:     types.ConditionPermission,
					Operator: OpNotExists,
					Value:    map[string]any{"resource": "*", "action": "*"},
				},
				Action:   types.PolicyAction{Type: types.ActionDeny},
				Severity: types.SeverityError,
				Message:  "Access denied - no permission",
			}},
			Priority: 100,
			Enabled:  true,
			Targets:  everyone,
		},
		{
			ID:   "rate_limiting",
			Name: "API Rate Limiting",
			Type: types.PolicyNetworkSecurity,
			Rules: []types.PolicyRule{{
				ID: "api_rate_limit",
				Condition: types.PolicyCondition{
					Type:     types.ConditionCustom,
					Operator: "exceeds",
					Value:    map[string]any{"type": EvaluatorRateLimit, "limit": 100, "window": 60},
				},
				Action:   types.PolicyAction{Type: types.ActionRateLimit, Params: map[string]any{"wait": 60}},
				Severity: types.SeverityWarning,
				Message:  "Rate limit exceeded",
			}},
			Priority: 500,
			Enabled:  true,
			Targets:  everyone,
		},
		{
			ID:   "data_protection",
			Name: "Data Protection Policy",
			Type: types.PolicyDataProtection,
			Rules: []types.PolicyRule{{
				ID: "encrypt_sensitive",
				Condition: types.PolicyCondition{
					Type:     types.ConditionResource,
					Operator: "contains",
					Value:    "sensitive",
				},
				Action:   types.PolicyAction{Type: types.ActionRequireMFA},
				Severity: types.SeverityInfo,
				Message:  "MFA required for sensitive data",
			}},
			Priority: 800,
			Enabled:  true,
			Targets:  everyone,
		},
	}
}

// InstallDefaults saves every default policy that is not already stored
func (e *Engine) InstallDefaults(ctx context.Context) error {
	for _, p := range DefaultPolicies() {
		_, err := e.store.GetPolicy(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to look up policy %s: %w", p.ID, err)
		}
		if err := e.store.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to install policy %s: %w", p.ID, err)
		}
	}
	e.clearCache()
	return nil
}
