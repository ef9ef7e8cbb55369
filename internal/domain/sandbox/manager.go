package sandbox

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/monitor"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// ErrSandboxNotFound is returned for operations on unknown sandboxes
var ErrSandboxNotFound = errors.New("sandbox not found")

// Sandbox is the confinement of one app
type Sandbox struct {
	mu       sync.RWMutex
	config   types.SandboxConfig
	monitor  *monitor.Monitor
	boundary Boundary
	sampler  monitor.Sampler
}

// Config returns a copy of the effective configuration
func (s *Sandbox) Config() types.SandboxConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Isolation returns the current isolation level
func (s *Sandbox) Isolation() types.IsolationLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Isolation
}

// Monitor returns the sandbox's resource monitor
func (s *Sandbox) Monitor() *monitor.Monitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitor
}

// Boundary returns the execution boundary for the isolation level
func (s *Sandbox) Boundary() Boundary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundary
}

// AttachSampler makes the monitor sample usage from sampler
func (s *Sandbox) AttachSampler(sampler monitor.Sampler) {
	s.mu.Lock()
	s.sampler = sampler
	m := s.monitor
	s.mu.Unlock()
	m.SetSampler(sampler)
}

// Manager owns every sandbox, keyed by app ID
type Manager struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	validate         *validator.Validate
	bus              *events.Bus
	metrics          *monitoring.Metrics
	logger           *zap.Logger
	data             store.DataStore
	authorizer       Authorizer
	fetcher          *Fetcher
	interval         time.Duration
	defaultIsolation types.IsolationLevel
}

// NewManager creates a sandbox manager
func NewManager(bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sandboxes:        make(map[string]*Sandbox),
		validate:         validator.New(),
		bus:              bus,
		logger:           logger.Named("sandbox"),
		interval:         monitor.DefaultInterval,
		defaultIsolation: types.IsolationStandard,
	}
}

// WithMetrics records capability calls and violations
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithDataStore backs the data capability
func (m *Manager) WithDataStore(ds store.DataStore) *Manager {
	m.data = ds
	return m
}

// WithAuthorizer makes capability calls also pass a user-level
// permission check when a security context is attached
func (m *Manager) WithAuthorizer(a Authorizer) *Manager {
	m.authorizer = a
	return m
}

// WithFetcher backs the fetch capability
func (m *Manager) WithFetcher(f *Fetcher) *Manager {
	m.fetcher = f
	return m
}

// WithMonitorInterval sets the sampling period of new monitors
func (m *Manager) WithMonitorInterval(d time.Duration) *Manager {
	if d > 0 {
		m.interval = d
	}
	return m
}

// WithDefaultIsolation sets the level used when overrides name none
func (m *Manager) WithDefaultIsolation(level types.IsolationLevel) *Manager {
	if level.Valid() {
		m.defaultIsolation = level
	}
	return m
}

// DefaultIsolation returns the level used when overrides name none
func (m *Manager) DefaultIsolation() types.IsolationLevel {
	return m.defaultIsolation
}

// CreateSandbox builds the sandbox for appID from the defaults and
// overrides, starts its monitor and replaces any previous sandbox
func (m *Manager) CreateSandbox(appID, instanceID string, overrides *types.SandboxOverrides) (*Sandbox, error) {
	cfg := merge(types.SandboxConfig{
		AppID:       appID,
		InstanceID:  instanceID,
		Isolation:   m.defaultIsolation,
		Permissions: DefaultPermissions(),
		Limits:      DefaultLimits(),
		Network:     DefaultNetwork(),
		DataAccess:  DefaultDataAccess(),
		CreatedAt:   time.Now(),
	}, overrides)

	if err := m.validate.Struct(cfg); err != nil {
		return nil, types.NewAppError(types.CodeLoadValidation, appID, "invalid sandbox configuration", err)
	}

	sb := &Sandbox{config: cfg}
	sb.boundary = newBoundary(cfg, m.bus, m.logger)
	sb.monitor = m.newMonitor(cfg, nil)

	m.mu.Lock()
	previous := m.sandboxes[appID]
	m.sandboxes[appID] = sb
	m.mu.Unlock()

	if previous != nil {
		previous.Monitor().Stop()
	}
	sb.monitor.Start()

	m.logger.Info("Sandbox created",
		zap.String("app_id", appID),
		zap.String("instance_id", instanceID),
		zap.String("isolation", string(cfg.Isolation)))
	m.emit(events.SandboxCreated, cfg, nil)
	return sb, nil
}

func (m *Manager) newMonitor(cfg types.SandboxConfig, sampler monitor.Sampler) *monitor.Monitor {
	return monitor.New(monitor.Config{
		AppID:      cfg.AppID,
		InstanceID: cfg.InstanceID,
		Limits:     cfg.Limits,
		Interval:   m.interval,
		Sampler:    sampler,
	}, m.bus, m.logger).WithMetrics(m.metrics)
}

// GetSandbox returns the sandbox of appID
func (m *Manager) GetSandbox(appID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[appID]
	return sb, ok
}

// UpdateSandbox applies overrides to a live sandbox. Changed limits
// restart the monitor; a changed isolation level also swaps the boundary.
func (m *Manager) UpdateSandbox(appID string, overrides types.SandboxOverrides) error {
	sb, ok := m.GetSandbox(appID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, appID)
	}

	sb.mu.Lock()
	updated := merge(sb.config, &overrides)
	if err := m.validate.Struct(updated); err != nil {
		sb.mu.Unlock()
		return types.NewAppError(types.CodeLoadValidation, appID, "invalid sandbox configuration", err)
	}

	var stale *monitor.Monitor
	isolationChanged := updated.Isolation != sb.config.Isolation
	if isolationChanged || updated.Limits != sb.config.Limits {
		stale = sb.monitor
		sb.monitor = m.newMonitor(updated, sb.sampler)
	}
	if isolationChanged {
		sb.boundary = newBoundary(updated, m.bus, m.logger)
	}
	sb.config = updated
	fresh := sb.monitor
	sb.mu.Unlock()

	if stale != nil {
		stale.Stop()
		fresh.Start()
		m.logger.Info("Sandbox monitor restarted", zap.String("app_id", appID))
	}
	return nil
}

// DestroySandbox stops the monitor and forgets the sandbox. Destroying an
// unknown sandbox is a no-op.
func (m *Manager) DestroySandbox(appID string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[appID]
	delete(m.sandboxes, appID)
	m.mu.Unlock()

	if !ok {
		return
	}
	sb.Monitor().Stop()
	m.emit(events.SandboxDestroyed, sb.Config(), nil)
}

// ReleaseSandbox destroys sb if it is still the live sandbox of its app.
// A sandbox that was already replaced only has its monitor stopped.
func (m *Manager) ReleaseSandbox(sb *Sandbox) {
	cfg := sb.Config()
	m.mu.Lock()
	current := m.sandboxes[cfg.AppID] == sb
	if current {
		delete(m.sandboxes, cfg.AppID)
	}
	m.mu.Unlock()

	sb.Monitor().Stop()
	if current {
		m.emit(events.SandboxDestroyed, cfg, nil)
	}
}

// CheckAppPermission reports whether the sandbox of appID grants action
// on resource
func (m *Manager) CheckAppPermission(appID, resource, action string) bool {
	sb, ok := m.GetSandbox(appID)
	return ok && sb.Grants(resource, action)
}

// ValidateNetworkRequest checks rawURL against the network policy of appID
func (m *Manager) ValidateNetworkRequest(appID, rawURL string) bool {
	sb, ok := m.GetSandbox(appID)
	return ok && sb.AllowsURL(rawURL)
}

// ValidateDataAccess checks collection and operation against the data
// access policy of appID
func (m *Manager) ValidateDataAccess(appID, collection string, op types.DataOperation) bool {
	sb, ok := m.GetSandbox(appID)
	return ok && sb.AllowsData(collection, op)
}

// FilterProps strips what the sandbox of appID may not see. Without a
// sandbox every secret is stripped.
func (m *Manager) FilterProps(appID string, props map[string]any) map[string]any {
	sb, ok := m.GetSandbox(appID)
	if !ok {
		sb = &Sandbox{config: types.SandboxConfig{AppID: appID, Isolation: types.IsolationMaximum}}
	}
	return sb.FilterProps(props)
}

// Grants reports whether the sandbox grants action on resource. Isolation
// none trusts the app with everything.
func (s *Sandbox) Grants(resource, action string) bool {
	cfg := s.Config()
	if cfg.Isolation == types.IsolationNone {
		return true
	}
	for _, p := range cfg.Permissions {
		if p.Resource != resource {
			continue
		}
		for _, a := range p.Actions {
			if a == action || a == "*" {
				return p.Granted
			}
		}
	}
	return false
}

// AllowsURL checks rawURL against the network policy
func (s *Sandbox) AllowsURL(rawURL string) bool {
	policy := s.Config().Network

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())

	if policy.EnforceHTTPS && u.Scheme != "https" {
		return false
	}
	for _, blocked := range policy.BlockedDomains {
		if matchDomain(host, blocked, policy.AllowSubdomains) {
			return false
		}
	}
	if len(policy.AllowedDomains) == 0 {
		return true
	}
	for _, allowed := range policy.AllowedDomains {
		if matchDomain(host, allowed, policy.AllowSubdomains) {
			return true
		}
	}
	return false
}

// matchDomain matches exactly, as a glob, or as a parent domain when
// subdomains are allowed
func matchDomain(host, pattern string, allowSubdomains bool) bool {
	pattern = strings.ToLower(pattern)
	if host == pattern {
		return true
	}
	if strings.ContainsAny(pattern, "*?[{") {
		if ok, err := doublestar.Match(pattern, host); err == nil && ok {
			return true
		}
	}
	return allowSubdomains && strings.HasSuffix(host, "."+pattern)
}

// AllowsData checks collection and operation against the data access
// policy. Collections may be "*" or glob patterns.
func (s *Sandbox) AllowsData(collection string, op types.DataOperation) bool {
	policy := s.Config().DataAccess

	allowed := false
	for _, c := range policy.AllowedCollections {
		if c == collection || c == "*" {
			allowed = true
			break
		}
		if ok, err := doublestar.Match(c, collection); err == nil && ok {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, o := range policy.AllowedOperations {
		if o == op {
			return true
		}
	}
	return false
}

// Secret props never handed to sandboxed programs
var secretProps = []string{"apiToken", "privateKey", "secrets"}

// FilterProps strips secrets from props, and the platform API unless the
// sandbox grants api:execute. Isolation none receives props unchanged.
func (s *Sandbox) FilterProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}

	if s.Isolation() == types.IsolationNone {
		return out
	}
	for _, k := range secretProps {
		delete(out, k)
	}
	if !s.Grants("api", "execute") {
		delete(out, "platformApi")
	}
	return out
}

// Count returns the number of live sandboxes
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sandboxes)
}

func (m *Manager) emit(t events.Type, cfg types.SandboxConfig, extra map[string]any) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{"isolation": string(cfg.Isolation)}
	for k, v := range extra {
		payload[k] = v
	}
	m.bus.Publish(events.Event{Type: t, AppID: cfg.AppID, InstanceID: cfg.InstanceID, Payload: payload})
}
