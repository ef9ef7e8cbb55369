package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// ErrNotInstalled is returned when uninstalling an app the user lacks
var ErrNotInstalled = errors.New("app not installed for user")

// Manager stores app descriptors and per-user installs
type Manager struct {
	mu       sync.RWMutex
	apps     map[string]*types.AppDescriptor
	installs map[string]map[string]time.Time // user -> app -> installed at
	bus      *events.Bus
	logger   *zap.Logger
}

// NewManager creates an empty registry
func NewManager(bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		apps:     make(map[string]*types.AppDescriptor),
		installs: make(map[string]map[string]time.Time),
		bus:      bus,
		logger:   logger.Named("registry"),
	}
}

// Register validates and stores a descriptor, replacing any previous
// version while keeping its install count and creation time
func (m *Manager) Register(desc types.AppDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.apps[desc.ID]; ok {
		desc.InstallCount = existing.InstallCount
		desc.CreatedAt = existing.CreatedAt
	}
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = now
	}
	desc.UpdatedAt = now
	m.apps[desc.ID] = &desc

	m.logger.Debug("Registered app", zap.String("app_id", desc.ID), zap.String("version", desc.Version))
	return nil
}

// Unregister removes a descriptor and every install of it
func (m *Manager) Unregister(appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apps[appID]; !ok {
		return notFound(appID)
	}
	delete(m.apps, appID)
	for _, apps := range m.installs {
		delete(apps, appID)
	}
	return nil
}

// GetApp returns a copy of the descriptor
func (m *Manager) GetApp(appID string) (*types.AppDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	desc, ok := m.apps[appID]
	if !ok {
		return nil, notFound(appID)
	}
	cp := *desc
	return &cp, nil
}

// Exists checks if an app is registered
func (m *Manager) Exists(appID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.apps[appID]
	return ok
}

// List returns summaries of all apps, optionally filtered by category
func (m *Manager) List(category *string) []types.AppSummary {
	m.mu.RLock()
	out := make([]types.AppSummary, 0, len(m.apps))
	for _, desc := range m.apps {
		if category == nil || desc.Category == *category {
			out = append(out, desc.ToSummary())
		}
	}
	m.mu.RUnlock()

	sortSummaries(out)
	return out
}

// GetUserApps returns the apps a user installed
func (m *Manager) GetUserApps(userID string) []types.AppSummary {
	m.mu.RLock()
	out := make([]types.AppSummary, 0, len(m.installs[userID]))
	for appID := range m.installs[userID] {
		if desc, ok := m.apps[appID]; ok {
			out = append(out, desc.ToSummary())
		}
	}
	m.mu.RUnlock()

	sortSummaries(out)
	return out
}

// Install records appID for userID. Installing twice is a no-op.
func (m *Manager) Install(appID, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}

	m.mu.Lock()
	desc, ok := m.apps[appID]
	if !ok {
		m.mu.Unlock()
		return notFound(appID)
	}
	apps, ok := m.installs[userID]
	if !ok {
		apps = make(map[string]time.Time)
		m.installs[userID] = apps
	}
	if _, installed := apps[appID]; installed {
		m.mu.Unlock()
		return nil
	}
	apps[appID] = time.Now()
	desc.InstallCount++
	count := desc.InstallCount
	m.mu.Unlock()

	m.logger.Info("App installed", zap.String("app_id", appID), zap.String("user_id", userID))
	m.emit(events.AppInstalled, appID, userID, count)
	return nil
}

// Uninstall removes appID from userID's installs
func (m *Manager) Uninstall(appID, userID string) error {
	m.mu.Lock()
	if _, installed := m.installs[userID][appID]; !installed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInstalled, appID)
	}
	delete(m.installs[userID], appID)

	var count int64
	if desc, ok := m.apps[appID]; ok && desc.InstallCount > 0 {
		desc.InstallCount--
		count = desc.InstallCount
	}
	m.mu.Unlock()

	m.logger.Info("App uninstalled", zap.String("app_id", appID), zap.String("user_id", userID))
	m.emit(events.AppUninstalled, appID, userID, count)
	return nil
}

// Stats returns registry statistics
func (m *Manager) Stats() types.RegistryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	categories := make(map[string]int)
	var lastUpdated *time.Time
	for _, desc := range m.apps {
		categories[desc.Category]++
		if lastUpdated == nil || desc.UpdatedAt.After(*lastUpdated) {
			updated := desc.UpdatedAt
			lastUpdated = &updated
		}
	}

	return types.RegistryStats{
		TotalApps:   len(m.apps),
		Categories:  categories,
		LastUpdated: lastUpdated,
	}
}

func (m *Manager) emit(t events.Type, appID, userID string, installs int64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:    t,
		AppID:   appID,
		Payload: map[string]any{"user_id": userID, "install_count": installs},
	})
}

func notFound(appID string) error {
	return types.NewAppError(types.CodeAppNotFound, appID, "app not found", nil)
}

func sortSummaries(s []types.AppSummary) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}
