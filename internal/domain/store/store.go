package store

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// PolicyQuery filters stored policies. Zero fields match everything.
type PolicyQuery struct {
	Enabled *bool
	Type    types.PolicyType
}

// PolicyStore persists security policies
type PolicyStore interface {
	SavePolicy(ctx context.Context, policy types.Policy) error
	DeletePolicy(ctx context.Context, policyID string) error
	GetPolicy(ctx context.Context, policyID string) (types.Policy, error)
	QueryPolicies(ctx context.Context, q PolicyQuery) ([]types.Policy, error)
}

// AuditQuery filters audit logs. Zero fields match everything.
type AuditQuery struct {
	UserID string
	AppID  string
	Limit  int
}

// AuditStore persists audit logs and security events
type AuditStore interface {
	InsertAuditLog(ctx context.Context, entry types.AuditLog) error
	InsertSecurityEvent(ctx context.Context, event types.SecurityEvent) error
	AuditLogs(ctx context.Context, q AuditQuery) ([]types.AuditLog, error)
	SecurityEvents(ctx context.Context, limit int) ([]types.SecurityEvent, error)
}

// DataStore persists per-app collections of keyed values
type DataStore interface {
	GetData(ctx context.Context, appID, collection, key string) (any, error)
	SetData(ctx context.Context, appID, collection, key string, value any) (created bool, err error)
	DeleteData(ctx context.Context, appID, collection, key string) error
	HasData(ctx context.Context, appID, collection, key string) (bool, error)
}
