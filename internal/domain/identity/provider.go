package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// DefaultCacheTTL bounds how long resolved roles and permissions are reused
const DefaultCacheTTL = 5 * time.Minute

// Request describes who is asking
type Request struct {
	UserID     string
	SessionID  string
	IPAddress  string
	UserAgent  string
	AppID      string
	Attributes map[string]any
}

type cached struct {
	roles   []types.Role
	perms   []types.Permission
	expires time.Time
}

// Provider assembles security contexts from role and permission sources
type Provider struct {
	roles  RoleSource
	perms  PermissionSource
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]cached
	group singleflight.Group
}

// NewProvider creates a provider with the default cache lifetime
func NewProvider(roles RoleSource, perms PermissionSource, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		roles:  roles,
		perms:  perms,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		logger: logger.Named("identity"),
		cache:  make(map[string]cached),
	}
}

// WithCacheTTL sets the cache lifetime; zero disables caching
func (p *Provider) WithCacheTTL(ttl time.Duration) *Provider {
	p.ttl = ttl
	return p
}

// WithClock replaces the time source
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Context builds the security context for req. A missing session ID is
// generated.
func (p *Provider) Context(ctx context.Context, req Request) (*types.SecurityContext, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	entry, err := p.lookup(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &types.SecurityContext{
		UserID:      req.UserID,
		SessionID:   sessionID,
		Roles:       entry.roles,
		Permissions: entry.perms,
		Timestamp:   p.now(),
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		AppID:       req.AppID,
		Attributes:  req.Attributes,
	}, nil
}

// Invalidate drops the cached roles and permissions of userID
func (p *Provider) Invalidate(userID string) {
	p.mu.Lock()
	delete(p.cache, userID)
	p.mu.Unlock()
}

func (p *Provider) lookup(ctx context.Context, userID string) (cached, error) {
	if p.ttl > 0 {
		p.mu.RLock()
		entry, ok := p.cache[userID]
		p.mu.RUnlock()
		if ok && p.now().Before(entry.expires) {
			return entry, nil
		}
	}

	v, err, _ := p.group.Do(userID, func() (any, error) {
		var entry cached
		var err error

		if p.roles != nil {
			if entry.roles, err = p.roles.UserRoles(ctx, userID); err != nil {
				return nil, fmt.Errorf("failed to load roles for %s: %w", userID, err)
			}
		}
		if p.perms != nil {
			if entry.perms, err = p.perms.UserPermissions(ctx, userID); err != nil {
				return nil, fmt.Errorf("failed to load permissions for %s: %w", userID, err)
			}
		}
		entry.expires = p.now().Add(p.ttl)

		if p.ttl > 0 {
			p.mu.Lock()
			p.cache[userID] = entry
			p.mu.Unlock()
		}
		p.logger.Debug("Resolved identity",
			zap.String("user_id", userID),
			zap.Int("roles", len(entry.roles)),
			zap.Int("permissions", len(entry.perms)))
		return entry, nil
	})
	if err != nil {
		return cached{}, err
	}
	return v.(cached), nil
}
