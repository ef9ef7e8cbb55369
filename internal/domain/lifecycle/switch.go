package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// SwitchToApp makes appID the active app, loading it first if needed. The
// previously active app becomes inactive.
func (m *Manager) SwitchToApp(ctx context.Context, appID string, secCtx *types.SecurityContext, opts ...LoadOption) (types.Instance, error) {
	if snap, err := m.LoadApp(ctx, appID, secCtx, opts...); err != nil {
		return snap, err
	}

	now := time.Now()
	m.mu.Lock()
	inst, ok := m.instances[appID]
	if !ok || !inst.info.Status.Running() {
		m.mu.Unlock()
		return types.Instance{}, types.NewAppError(types.CodeAppNotFound, appID, "app is no longer running", nil)
	}
	if m.activeID == appID {
		inst.info.LastActivity = now
		snap := inst.snapshot()
		m.mu.Unlock()
		return snap, nil
	}

	prevID := m.activeID
	prev := m.instances[prevID]
	if prev == nil && inst.info.Status == types.StatusInactive {
		if n := m.admittedLocked(); n >= m.cfg.MaxConcurrentApps {
			m.mu.Unlock()
			return types.Instance{}, types.NewAppError(types.CodeAdmissionLimit, appID,
				fmt.Sprintf("%d of %d app slots in use", n, m.cfg.MaxConcurrentApps), nil)
		}
	}

	var prevSnap types.Instance
	if prev != nil {
		prev.info.Status = types.StatusInactive
		prevSnap = prev.snapshot()
	}
	inst.info.Status = types.StatusActive
	inst.info.LastActivity = now
	m.activeID = appID
	snap := inst.snapshot()
	m.mu.Unlock()

	if prev != nil {
		m.emit(events.AppDeactivated, prevSnap.AppID, prevSnap.ID, nil)
	}
	m.emit(events.AppActivated, snap.AppID, snap.ID, nil)
	m.emit(events.AppSwitched, snap.AppID, snap.ID, map[string]any{"from": prevID, "to": appID})
	m.logger.Info("Switched app", zap.String("from", prevID), zap.String("to", appID))
	m.updateGauges()
	return snap, nil
}
