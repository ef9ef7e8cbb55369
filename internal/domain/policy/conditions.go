package policy

import (
	"net/netip"
	"strings"
	"time"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/permission"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// Permission condition operators
const (
	OpExists    = "exists"
	OpNotExists = "not_exists"
	OpMatches   = "matches"
)

// evaluation carries everything a condition may inspect
type evaluation struct {
	secCtx *types.SecurityContext
	data   map[string]any
	now    time.Time
}

// evaluateCondition walks a condition tree. A node with a type tests
// itself; its children are folded in with Combine ("and" unless "or").
func (e *Engine) evaluateCondition(c types.PolicyCondition, ev evaluation) bool {
	if c.Type == "" {
		if len(c.Children) == 0 {
			return false
		}
		return e.combine(c.Combine, c.Children, ev)
	}

	self := e.evaluateLeaf(c, ev)
	if len(c.Children) == 0 {
		return self
	}
	if strings.EqualFold(c.Combine, "or") {
		return self || e.combine("or", c.Children, ev)
	}
	return self && e.combine("and", c.Children, ev)
}

func (e *Engine) combine(mode string, children []types.PolicyCondition, ev evaluation) bool {
	if strings.EqualFold(mode, "or") {
		for _, child := range children {
			if e.evaluateCondition(child, ev) {
				return true
			}
		}
		return false
	}
	for _, child := range children {
		if !e.evaluateCondition(child, ev) {
			return false
		}
	}
	return true
}

func (e *Engine) evaluateLeaf(c types.PolicyCondition, ev evaluation) bool {
	switch c.Type {
	case types.ConditionAny:
		return true
	case types.ConditionPermission:
		return evaluatePermission(c, ev)
	case types.ConditionResource:
		return evaluateResource(c, ev)
	case types.ConditionTime:
		return evaluateTime(c, ev.now)
	case types.ConditionLocation:
		return evaluateLocation(c, ev.secCtx)
	case types.ConditionCustom:
		return e.evaluateCustom(c, ev)
	}
	return false
}

// evaluatePermission tests the permissions held by the context against the
// {resource, action} pattern in the value. "matches" instead tests the
// resource and action being checked.
func evaluatePermission(c types.PolicyCondition, ev evaluation) bool {
	m := asMap(c.Value)
	pattern := types.Permission{Resource: asString(m["resource"]), Action: asString(m["action"])}

	if c.Operator == OpMatches {
		return permission.Matches(pattern, asString(ev.data["resource"]), asString(ev.data["action"]))
	}

	held := false
	if ev.secCtx != nil {
		for _, p := range ev.secCtx.Permissions {
			if covers(pattern, p) {
				held = true
				break
			}
		}
	}
	if c.Operator == OpNotExists {
		return !held
	}
	return held
}

// covers reports whether p falls under pattern; a wildcard on either side
// matches
func covers(pattern, p types.Permission) bool {
	resOK := pattern.Resource == permission.Wildcard || p.Resource == permission.Wildcard || p.Resource == pattern.Resource
	actOK := pattern.Action == permission.Wildcard || p.Action == permission.Wildcard || p.Action == pattern.Action
	return resOK && actOK
}

func evaluateResource(c types.PolicyCondition, ev evaluation) bool {
	resource := asString(ev.data["resource"])
	if resource == "" {
		return false
	}
	value := asString(c.Value)

	switch c.Operator {
	case "equals", "":
		return resource == value
	case "contains":
		return strings.Contains(resource, value)
	case "startsWith":
		return strings.HasPrefix(resource, value)
	case "endsWith":
		return strings.HasSuffix(resource, value)
	}
	return false
}

func evaluateTime(c types.PolicyCondition, now time.Time) bool {
	m := asMap(c.Value)

	if start, ok := asTime(m["start"]); ok && start.After(now) {
		return false
	}
	if end, ok := asTime(m["end"]); ok && end.Before(now) {
		return false
	}
	if days, ok := asInts(m["daysOfWeek"]); ok && !containsInt(days, int(now.Weekday())) {
		return false
	}
	if hours, ok := asInts(m["hoursOfDay"]); ok && !containsInt(hours, now.Hour()) {
		return false
	}
	return true
}

// evaluateLocation checks the context IP against block and allow lists.
// Entries may be single addresses or CIDR prefixes.
func evaluateLocation(c types.PolicyCondition, secCtx *types.SecurityContext) bool {
	if secCtx == nil || secCtx.IPAddress == "" {
		return false
	}
	addr, err := netip.ParseAddr(secCtx.IPAddress)
	if err != nil {
		return false
	}

	m := asMap(c.Value)
	if blocked, ok := asStrings(m["blockedIps"]); ok && ipListed(addr, blocked) {
		return false
	}
	if allowed, ok := asStrings(m["allowedIps"]); ok && !ipListed(addr, allowed) {
		return false
	}
	return true
}

func ipListed(addr netip.Addr, entries []string) bool {
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(entry); err == nil && other == addr {
			return true
		}
	}
	return false
}

func (e *Engine) evaluateCustom(c types.PolicyCondition, ev evaluation) bool {
	value := asMap(c.Value)
	evaluator, ok := e.evaluator(asString(value["type"]))
	if !ok {
		return false
	}
	return evaluator(value, ev.secCtx, ev.data)
}

// Loose conversions for condition values decoded from JSON, YAML or TOML

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	}
	return map[string]any{}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
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

func asInts(v any) ([]int, bool) {
	switch s := v.(type) {
	case []int:
		return s, true
	case []any:
		out := make([]int, 0, len(s))
		for _, item := range s {
			if f, ok := asFloat(item); ok {
				out = append(out, int(f))
			}
		}
		return out, true
	}
	return nil, false
}

func asStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out, true
	}
	return nil, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
