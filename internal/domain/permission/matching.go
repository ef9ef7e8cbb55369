package permission

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Wildcard matches any resource or action
const Wildcard = "*"

// Matches reports whether a held permission covers the resource and action
// of check, ignoring scope
func Matches(held types.Permission, resource, action string) bool {
	if held.Resource != resource && held.Resource != Wildcard {
		return false
	}
	if held.Action != action && held.Action != Wildcard {
		return false
	}
	return true
}

// ScopeSatisfies reports whether a held scope covers a required one.
// A held scope reaches every narrower level; its conditions must also hold
// against the security context.
func ScopeSatisfies(held, required types.Scope, secCtx *types.SecurityContext) bool {
	if held.Level.Rank() < required.Level.Rank() {
		return false
	}
	return ConditionsHold(held.Conditions, secCtx)
}

// ConditionsHold evaluates every scope condition against secCtx
func ConditionsHold(conditions []types.ScopeCondition, secCtx *types.SecurityContext) bool {
	if len(conditions) == 0 {
		return true
	}
	view := ContextView(secCtx, nil)
	for _, c := range conditions {
		if !evalCondition(c, Lookup(view, c.Field)) {
			return false
		}
	}
	return true
}

// ContextView flattens a security context into the map used for dotted
// field lookups. extra is exposed under "check".
func ContextView(secCtx *types.SecurityContext, extra map[string]any) map[string]any {
	view := map[string]any{}
	if secCtx != nil {
		view["userId"] = secCtx.UserID
		view["sessionId"] = secCtx.SessionID
		view["ipAddress"] = secCtx.IPAddress
		view["appId"] = secCtx.AppID
		view["userAgent"] = secCtx.UserAgent
		view["attributes"] = secCtx.Attributes
	}
	if extra != nil {
		view["check"] = extra
	}
	return view
}

// Lookup resolves a dotted path such as "attributes.team" in view.
// Missing segments yield nil.
func Lookup(view map[string]any, path string) any {
	var cur any = view
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func evalCondition(c types.ScopeCondition, field any) bool {
	switch c.Operator {
	case "eq":
		return equal(field, c.Value)
	case "ne":
		return !equal(field, c.Value)
	case "gt":
		a, okA := number(field)
		b, okB := number(c.Value)
		return okA && okB && a > b
	case "lt":
		a, okA := number(field)
		b, okB := number(c.Value)
		return okA && okB && a < b
	case "in":
		return contains(c.Value, field)
	case "contains":
		return contains(field, c.Value)
	}
	// Unknown operators do not restrict
	return true
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

// contains handles substring checks on strings and membership on slices
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case nil:
		return false
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), needle) {
			return true
		}
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// RequiredPermission synthesizes the permission a denied check lacked
func RequiredPermission(check types.PermissionCheck) types.Permission {
	return types.Permission{
		ID:          fmt.Sprintf("required_%s_%s", check.Resource, check.Action),
		Name:        fmt.Sprintf("%s:%s", check.Resource, check.Action),
		Description: fmt.Sprintf("Permission to %s %s", check.Action, check.Resource),
		Resource:    check.Resource,
		Action:      check.Action,
		Scope:       check.Scope,
	}
}
