package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// MaxAuditEntries bounds the in-memory audit ring
const MaxAuditEntries = 10000

// Memory is an in-process implementation of every store interface
type Memory struct {
	mu       sync.RWMutex
	policies map[string]types.Policy
	audit    []types.AuditLog
	events   []types.SecurityEvent
	data     map[string]map[string]map[string]any // app -> collection -> key
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		policies: make(map[string]types.Policy),
		data:     make(map[string]map[string]map[string]any),
	}
}

// SavePolicy inserts or replaces a policy
func (m *Memory) SavePolicy(ctx context.Context, policy types.Policy) error {
	if policy.ID == "" {
		return fmt.Errorf("policy ID is required")
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.policies[policy.ID]; ok && policy.CreatedAt.IsZero() {
		policy.CreatedAt = existing.CreatedAt
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now
	m.policies[policy.ID] = policy
	return nil
}

// DeletePolicy removes a policy
func (m *Memory) DeletePolicy(ctx context.Context, policyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[policyID]; !ok {
		return ErrNotFound
	}
	delete(m.policies, policyID)
	return nil
}

// GetPolicy returns a policy by ID
func (m *Memory) GetPolicy(ctx context.Context, policyID string) (types.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[policyID]
	if !ok {
		return types.Policy{}, ErrNotFound
	}
	return p, nil
}

// QueryPolicies returns matching policies ordered by descending priority
func (m *Memory) QueryPolicies(ctx context.Context, q PolicyQuery) ([]types.Policy, error) {
	m.mu.RLock()
	out := make([]types.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		if q.Enabled != nil && p.Enabled != *q.Enabled {
			continue
		}
		if q.Type != "" && p.Type != q.Type {
			continue
		}
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// InsertAuditLog appends an audit entry, evicting the oldest past the cap
func (m *Memory) InsertAuditLog(ctx context.Context, entry types.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, entry)
	if len(m.audit) > MaxAuditEntries {
		m.audit = m.audit[len(m.audit)-MaxAuditEntries:]
	}
	return nil
}

// InsertSecurityEvent appends a security event
func (m *Memory) InsertSecurityEvent(ctx context.Context, event types.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if len(m.events) > MaxAuditEntries {
		m.events = m.events[len(m.events)-MaxAuditEntries:]
	}
	return nil
}

// AuditLogs returns the newest matching entries first
func (m *Memory) AuditLogs(ctx context.Context, q AuditQuery) ([]types.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.AuditLog
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.AppID != "" && e.AppID != q.AppID {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// SecurityEvents returns the newest events first
func (m *Memory) SecurityEvents(ctx context.Context, limit int) ([]types.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.SecurityEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, m.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetData returns a stored value
func (m *Memory) GetData(ctx context.Context, appID, collection, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[appID][collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// HasData reports whether a value is stored
func (m *Memory) HasData(ctx context.Context, appID, collection, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.data[appID][collection][key]
	return ok, nil
}

// SetData stores a value and reports whether it was newly created
func (m *Memory) SetData(ctx context.Context, appID, collection, key string, value any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cols, ok := m.data[appID]
	if !ok {
		cols = make(map[string]map[string]any)
		m.data[appID] = cols
	}
	entries, ok := cols[collection]
	if !ok {
		entries = make(map[string]any)
		cols[collection] = entries
	}
	_, existed := entries[key]
	entries[key] = value
	return !existed, nil
}

// DeleteData removes a value
func (m *Memory) DeleteData(ctx context.Context, appID, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.data[appID][collection]
	if _, ok := entries[key]; !ok {
		return ErrNotFound
	}
	delete(entries, key)
	return nil
}
