package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// ErrNotFailed is returned when retrying an instance that is not in error
var ErrNotFailed = errors.New("instance is not in error state")

// AppSource looks up app descriptors
type AppSource interface {
	GetApp(appID string) (*types.AppDescriptor, error)
}

// ProgramResolver produces a fresh program for an app
type ProgramResolver interface {
	Resolve(desc types.AppDescriptor) (sandbox.Program, error)
}

// PermissionValidator reports the declared permissions a context lacks
type PermissionValidator interface {
	ValidateDeclared(ctx context.Context, declared []string, secCtx *types.SecurityContext) ([]string, error)
}

// instance is the manager's record of one running app. Fields are
// guarded by Manager.mu.
type instance struct {
	info   types.Instance
	desc   types.AppDescriptor
	secCtx *types.SecurityContext
	props  map[string]any

	program sandbox.Program
	caps    *sandbox.Capabilities
	sandbox *sandbox.Sandbox

	attempt  int           // increments per load attempt
	loading  chan struct{} // non-nil while an attempt runs; closed when it ends
	loadErr  error
	unloaded chan struct{} // non-nil once unloading began; closed when done
	retry    *time.Timer
}

func (i *instance) snapshot() types.Instance {
	cp := i.info
	if cp.MountedAt != nil {
		t := *cp.MountedAt
		cp.MountedAt = &t
	}
	if cp.LastError != nil {
		e := *cp.LastError
		cp.LastError = &e
	}
	return cp
}

// detach hands over the mounted program; mu must be held
func (i *instance) detach() (sandbox.Program, *sandbox.Capabilities, *sandbox.Sandbox) {
	prog, caps, sb := i.program, i.caps, i.sandbox
	i.program, i.caps, i.sandbox = nil, nil, nil
	return prog, caps, sb
}

// Manager orchestrates app instance lifecycles
type Manager struct {
	cfg       Config
	apps      AppSource
	programs  ProgramResolver
	sandboxes *sandbox.Manager
	validator PermissionValidator
	audit     store.AuditStore
	bus       *events.Bus
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	mu        sync.Mutex
	instances map[string]*instance // keyed by app id
	activeID  string
	cleanup   map[string][]func()

	unsubscribe func()
}

// NewManager creates a lifecycle manager
func NewManager(cfg Config, apps AppSource, programs ProgramResolver, sandboxes *sandbox.Manager, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg.withDefaults(),
		apps:      apps,
		programs:  programs,
		sandboxes: sandboxes,
		bus:       bus,
		logger:    logger.Named("lifecycle"),
		instances: make(map[string]*instance),
		cleanup:   make(map[string][]func()),
	}
	if bus != nil {
		m.unsubscribe = bus.Subscribe(events.SandboxResourceViolation, m.onViolation)
	}
	return m
}

// WithValidator checks declared permissions at load
func (m *Manager) WithValidator(v PermissionValidator) *Manager {
	m.validator = v
	return m
}

// WithAuditStore records security events for unrecoverable errors
func (m *Manager) WithAuditStore(audit store.AuditStore) *Manager {
	m.audit = audit
	return m
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// GetInstance returns a copy of the instance of appID
func (m *Manager) GetInstance(appID string) (types.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[appID]
	if !ok {
		return types.Instance{}, false
	}
	return inst.snapshot(), true
}

// ListInstances returns all instances, optionally filtered by status,
// oldest first
func (m *Manager) ListInstances(status *types.Status) []types.Instance {
	m.mu.Lock()
	out := make([]types.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if status == nil || inst.info.Status == *status {
			out = append(out, inst.snapshot())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AppID < out[j].AppID
	})
	return out
}

// ActiveInstance returns the active instance, if any
func (m *Manager) ActiveInstance() (types.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[m.activeID]; ok {
		return inst.snapshot(), true
	}
	return types.Instance{}, false
}

// Capabilities returns the capability object of a running instance
func (m *Manager) Capabilities(appID string) (*sandbox.Capabilities, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[appID]
	if !ok || inst.caps == nil {
		return nil, false
	}
	return inst.caps, true
}

// Stats returns manager statistics
func (m *Manager) Stats() types.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := types.Stats{
		TotalInstances: len(m.instances),
		Ceiling:        m.cfg.MaxConcurrentApps,
	}
	for _, inst := range m.instances {
		switch inst.info.Status {
		case types.StatusActive:
			stats.Active++
		case types.StatusMounted:
			stats.Mounted++
		case types.StatusInactive:
			stats.Inactive++
		case types.StatusInitializing, types.StatusLoading:
			stats.Loading++
		case types.StatusError:
			stats.Errored++
		}
	}
	stats.Admitted = stats.Active + stats.Mounted
	if m.activeID != "" {
		active := m.activeID
		stats.ActiveAppID = &active
	}
	return stats
}

// RegisterCleanupHandler adds fn to the handlers run when appID unloads
func (m *Manager) RegisterCleanupHandler(appID string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup[appID] = append(m.cleanup[appID], fn)
}

// Close unloads every instance
func (m *Manager) Close(ctx context.Context) error {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for appID := range m.instances {
		ids = append(ids, appID)
	}
	m.mu.Unlock()

	var errs []error
	for _, appID := range ids {
		if err := m.UnloadApp(ctx, appID); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("Lifecycle manager closed", zap.Int("unloaded", len(ids)))
	return errors.Join(errs...)
}

func (m *Manager) emit(t events.Type, appID, instanceID string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: t, AppID: appID, InstanceID: instanceID, Payload: payload})
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	counts := make(map[string]int)
	for _, inst := range m.instances {
		counts[string(inst.info.Status)]++
	}
	m.mu.Unlock()
	m.metrics.SetInstances(counts)
}

// wait blocks until ch closes or ctx ends
func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
