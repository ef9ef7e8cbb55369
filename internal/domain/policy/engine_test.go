package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/permission"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewEngine(mem, mem, nil), mem
}

func adminGuard() types.Policy {
	return types.Policy{
		ID:       "p1",
		Name:     "Admin guard",
		Type:     types.PolicyAccessControl,
		Priority: 900,
		Enabled:  true,
		Rules: []types.PolicyRule{{
			ID:        "no_admin",
			Condition: types.PolicyCondition{Type: types.ConditionResource, Operator: "contains", Value: "admin"},
			Action:    types.PolicyAction{Type: types.ActionDeny},
			Severity:  types.SeverityWarning,
			Message:   "Admin resources are restricted",
		}},
	}
}

func allowAll() types.Policy {
	return types.Policy{
		ID:       "p2",
		Name:     "Open access",
		Type:     types.PolicyAccessControl,
		Priority: 100,
		Enabled:  true,
		Rules: []types.PolicyRule{{
			ID:        "allow_everything",
			Condition: types.PolicyCondition{Type: types.ConditionAny},
			Action:    types.PolicyAction{Type: types.ActionAllow},
			Severity:  types.SeverityInfo,
		}},
	}
}

func TestHigherPriorityDenyWins(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	// Lower priority first to show order of insertion does not matter
	_, err := e.CreatePolicy(ctx, allowAll())
	require.NoError(t, err)
	_, err = e.CreatePolicy(ctx, adminGuard())
	require.NoError(t, err)

	perms := permission.NewEngine(e, nil)
	secCtx := &types.SecurityContext{UserID: "u1"}

	res := perms.CheckPermission(ctx, types.PermissionCheck{Resource: "admin_panel", Action: "view"}, secCtx)
	assert.False(t, res.Allowed)
	assert.Equal(t, "Admin resources are restricted", res.Reason)
	assert.Equal(t, []string{"p1"}, res.AppliedPolicies)

	res = perms.CheckPermission(ctx, types.PermissionCheck{Resource: "docs", Action: "view"}, secCtx)
	assert.True(t, res.Allowed)
	assert.Equal(t, "Allowed by policy: Open access", res.Reason)
}

func TestContextPoliciesAreConsidered(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	_, err := e.CreatePolicy(ctx, allowAll())
	require.NoError(t, err)

	secCtx := &types.SecurityContext{UserID: "u1", Policies: []types.Policy{adminGuard()}}
	d, ok := e.Decide(ctx, types.PermissionCheck{Resource: "admin_users", Action: "list"}, secCtx)
	require.True(t, ok)
	assert.Equal(t, types.ActionDeny, d.Effect)
	assert.Equal(t, "p1", d.PolicyID)
}

func TestNonTerminalActionsContinueScan(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	logOnly := types.Policy{
		ID: "audit_all", Name: "Audit everything", Priority: 1000, Enabled: true,
		Rules: []types.PolicyRule{{ID: "log", Condition: types.PolicyCondition{Type: types.ConditionAny}, Action: types.PolicyAction{Type: types.ActionLog}}},
	}
	_, err := e.CreatePolicy(ctx, logOnly)
	require.NoError(t, err)
	_, err = e.CreatePolicy(ctx, allowAll())
	require.NoError(t, err)

	d, ok := e.Decide(ctx, types.PermissionCheck{Resource: "x", Action: "y"}, &types.SecurityContext{UserID: "u"})
	require.True(t, ok)
	assert.Equal(t, "p2", d.PolicyID)

	actions, err := e.EvaluateAllPolicies(ctx, &types.SecurityContext{UserID: "u"}, "")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, types.ActionLog, actions[0].Type)
	assert.Equal(t, types.ActionAllow, actions[1].Type)
}

func TestEvaluatePolicyRespectsState(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	guard := adminGuard()
	guard.Targets = []types.PolicyTarget{{Type: types.TargetRole, ID: "guest"}}
	_, err := e.CreatePolicy(ctx, guard)
	require.NoError(t, err)

	data := map[string]any{"resource": "admin_panel"}
	guest := &types.SecurityContext{UserID: "g", Roles: []types.Role{{ID: "guest"}}}
	member := &types.SecurityContext{UserID: "m", Roles: []types.Role{{ID: "user"}}}

	action, err := e.EvaluatePolicy(ctx, "p1", guest, data)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, types.ActionDeny, action.Type)

	action, err = e.EvaluatePolicy(ctx, "p1", member, data)
	require.NoError(t, err)
	assert.Nil(t, action, "policy does not target this role")

	action, err = e.EvaluatePolicy(ctx, "missing", guest, data)
	require.NoError(t, err)
	assert.Nil(t, action)

	guard.Enabled = false
	_, err = e.UpdatePolicy(ctx, "p1", guard)
	require.NoError(t, err)
	action, err = e.EvaluatePolicy(ctx, "p1", guest, data)
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestAppTarget(t *testing.T) {
	p := types.Policy{Targets: []types.PolicyTarget{{Type: types.TargetApp, ID: "notes"}}}
	assert.True(t, Applies(p, &types.SecurityContext{AppID: "notes"}))
	assert.False(t, Applies(p, &types.SecurityContext{AppID: "calendar"}))
	assert.False(t, Applies(p, &types.SecurityContext{}))
	assert.True(t, Applies(types.Policy{}, nil))
}

func TestDefaultPolicies(t *testing.T) {
	ctx := context.Background()
	e, mem := newTestEngine(t)
	require.NoError(t, e.InstallDefaults(ctx))
	require.NoError(t, e.InstallDefaults(ctx))

	all, err := mem.QueryPolicies(ctx, store.PolicyQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "data_protection", all[0].ID)
	assert.Equal(t, "rate_limiting", all[1].ID)
	assert.Equal(t, "default_access_control", all[2].ID)

	perms := permission.NewEngine(e, nil)

	// No permissions at all: the default access control policy denies
	res := perms.CheckPermission(ctx, types.PermissionCheck{Resource: "data", Action: "read"}, &types.SecurityContext{UserID: "nobody"})
	assert.False(t, res.Allowed)
	assert.Equal(t, "Access denied - no permission", res.Reason)

	// Holding something unrelated falls through to the default denial
	held := &types.SecurityContext{UserID: "u1", Permissions: []types.Permission{{Name: "data:write", Resource: "data", Action: "write"}}}
	res = perms.CheckPermission(ctx, types.PermissionCheck{Resource: "data", Action: "read"}, held)
	assert.False(t, res.Allowed)
	assert.Equal(t, "No matching permission found", res.Reason)

	action, err := e.EvaluatePolicy(ctx, "data_protection", held, map[string]any{"resource": "sensitive_records"})
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, types.ActionRequireMFA, action.Type)
}

func TestRuleMatchesAreAudited(t *testing.T) {
	ctx := context.Background()
	e, mem := newTestEngine(t)
	bus := events.NewBus(nil)
	e.WithBus(bus)

	var critical int
	bus.Subscribe(events.SecurityEvent, func(events.Event) { critical++ })

	guard := adminGuard()
	guard.Rules[0].Severity = types.SeverityCritical
	_, err := e.CreatePolicy(ctx, guard)
	require.NoError(t, err)

	_, ok := e.Decide(ctx, types.PermissionCheck{Resource: "admin", Action: "x"}, &types.SecurityContext{UserID: "u1", SessionID: "s1"})
	require.True(t, ok)

	logs, err := mem.AuditLogs(ctx, store.AuditQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "policy:p1", logs[0].Resource)
	assert.Equal(t, "no_admin", logs[0].Details["rule_id"])

	secEvents, err := mem.SecurityEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, secEvents, 1)
	assert.Equal(t, 1, critical)
}

func TestApplicableCacheInvalidatedOnMutation(t *testing.T) {
	ctx := context.Background()
	e, mem := newTestEngine(t)
	secCtx := &types.SecurityContext{UserID: "u1"}

	_, err := e.CreatePolicy(ctx, allowAll())
	require.NoError(t, err)
	got, err := e.ApplicablePolicies(ctx, secCtx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Writes behind the engine's back are not seen until the cache expires
	require.NoError(t, mem.SavePolicy(ctx, adminGuard()))
	got, err = e.ApplicablePolicies(ctx, secCtx, "")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, e.DeletePolicy(ctx, "p2"))
	got, err = e.ApplicablePolicies(ctx, secCtx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
}

func TestApplicableCacheExpires(t *testing.T) {
	ctx := context.Background()
	e, mem := newTestEngine(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })
	secCtx := &types.SecurityContext{UserID: "u1"}

	_, err := e.ApplicablePolicies(ctx, secCtx, "")
	require.NoError(t, err)
	require.NoError(t, mem.SavePolicy(ctx, allowAll()))

	now = now.Add(DefaultCacheTTL + time.Second)
	got, err := e.ApplicablePolicies(ctx, secCtx, "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCreatePolicyValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreatePolicy(context.Background(), types.Policy{})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	created, err := e.CreatePolicy(context.Background(), types.Policy{Name: "named"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	_, err = e.UpdatePolicy(context.Background(), "missing", types.Policy{Name: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
