package types

import "time"

// ScopeLevel orders permission reach from narrowest to widest
type ScopeLevel string

const (
	ScopeOwn          ScopeLevel = "own"
	ScopeTeam         ScopeLevel = "team"
	ScopeOrganization ScopeLevel = "organization"
	ScopeGlobal       ScopeLevel = "global"
)

// Rank returns the level's position in the hierarchy; unknown levels rank 0
func (l ScopeLevel) Rank() int {
	switch l {
	case ScopeGlobal:
		return 4
	case ScopeOrganization:
		return 3
	case ScopeTeam:
		return 2
	case ScopeOwn:
		return 1
	}
	return 0
}

// ScopeCondition restricts a scope by a field of the security context
type ScopeCondition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"` // eq, ne, gt, lt, in, contains
	Value    any    `json:"value" yaml:"value"`
}

// Scope qualifies where a permission applies
type Scope struct {
	Level      ScopeLevel       `json:"level" yaml:"level"`
	Conditions []ScopeCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Permission grants an action on a resource. Either may be "*".
type Permission struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Resource    string `json:"resource" yaml:"resource"`
	Action      string `json:"action" yaml:"action"`
	Scope       *Scope `json:"scope,omitempty" yaml:"scope,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Role is a named bundle of permissions
type Role struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int          `json:"priority" yaml:"priority"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	IsSystem    bool         `json:"is_system" yaml:"is_system"`
}

// PolicyType groups policies for bulk evaluation
type PolicyType string

const (
	PolicyAccessControl   PolicyType = "access_control"
	PolicyDataProtection  PolicyType = "data_protection"
	PolicyNetworkSecurity PolicyType = "network_security"
	PolicyAppSecurity     PolicyType = "app_security"
	PolicyCompliance      PolicyType = "compliance"
)

// ConditionType selects how a policy condition is evaluated
type ConditionType string

const (
	ConditionAny        ConditionType = "any"
	ConditionPermission ConditionType = "permission"
	ConditionResource   ConditionType = "resource"
	ConditionTime       ConditionType = "time"
	ConditionLocation   ConditionType = "location"
	ConditionCustom     ConditionType = "custom"
)

// PolicyCondition is a node in a rule's condition tree. Children are
// combined with Combine ("and" by default, or "or") and then with the
// node's own test when Type is set.
type PolicyCondition struct {
	Type     ConditionType     `json:"type,omitempty" yaml:"type,omitempty"`
	Operator string            `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any               `json:"value,omitempty" yaml:"value,omitempty"`
	Params   map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	Combine  string            `json:"combine,omitempty" yaml:"combine,omitempty"`
	Children []PolicyCondition `json:"children,omitempty" yaml:"children,omitempty"`
}

// ActionType is what a matched rule asks for
type ActionType string

const (
	ActionAllow      ActionType = "allow"
	ActionDeny       ActionType = "deny"
	ActionLog        ActionType = "log"
	ActionAlert      ActionType = "alert"
	ActionRequireMFA ActionType = "require_mfa"
	ActionRateLimit  ActionType = "rate_limit"
)

// Terminal reports whether the action ends a policy scan
func (a ActionType) Terminal() bool {
	return a == ActionAllow || a == ActionDeny
}

// PolicyAction is a rule's effect with its parameters
type PolicyAction struct {
	Type   ActionType     `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Severity grades audit records
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// PolicyRule maps a condition to an action
type PolicyRule struct {
	ID        string          `json:"id" yaml:"id"`
	Condition PolicyCondition `json:"condition" yaml:"condition"`
	Action    PolicyAction    `json:"action" yaml:"action"`
	Severity  Severity        `json:"severity" yaml:"severity"`
	Message   string          `json:"message,omitempty" yaml:"message,omitempty"`
}

// TargetType selects who a policy applies to
type TargetType string

const (
	TargetAll  TargetType = "all"
	TargetUser TargetType = "user"
	TargetRole TargetType = "role"
	TargetApp  TargetType = "app"
)

// PolicyTarget names a subject a policy applies to
type PolicyTarget struct {
	Type TargetType `json:"type" yaml:"type"`
	ID   string     `json:"id,omitempty" yaml:"id,omitempty"`
}

// Policy is a prioritized, ordered set of rules
type Policy struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type        PolicyType     `json:"type" yaml:"type"`
	Rules       []PolicyRule   `json:"rules" yaml:"rules"`
	Priority    int            `json:"priority" yaml:"priority"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Targets     []PolicyTarget `json:"applies_to,omitempty" yaml:"applies_to,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

// SecurityContext is the identity and environment a decision is made for
type SecurityContext struct {
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id"`
	Roles       []Role         `json:"roles"`
	Permissions []Permission   `json:"permissions"`
	Policies    []Policy       `json:"policies,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	AppID       string         `json:"app_id,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// ForApp returns a shallow copy bound to appID
func (c *SecurityContext) ForApp(appID string) *SecurityContext {
	if c == nil {
		return nil
	}
	cp := *c
	cp.AppID = appID
	return &cp
}

// PermissionCheck asks whether an action on a resource is allowed
type PermissionCheck struct {
	Resource string         `json:"resource" binding:"required"`
	Action   string         `json:"action" binding:"required"`
	Scope    *Scope         `json:"scope,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// CheckResult is the outcome of a permission check
type CheckResult struct {
	Allowed             bool         `json:"allowed"`
	Reason              string       `json:"reason"`
	AppliedPolicies     []string     `json:"applied_policies,omitempty"`
	RequiredPermissions []Permission `json:"required_permissions,omitempty"`
	Suggestions         []string     `json:"suggestions,omitempty"`
}

// AuditResult records how an audited operation ended
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditBlocked AuditResult = "blocked"
)

// AuditLog is a persisted record of a security-relevant decision
type AuditLog struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	AppID     string         `json:"app_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Result    AuditResult    `json:"result"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
}

// SecurityEvent is a persisted incident needing attention
type SecurityEvent struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	UserID      string         `json:"user_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	AppID       string         `json:"app_id,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Resolved    bool           `json:"resolved"`
}
