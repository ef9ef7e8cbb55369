package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// SetAppError moves a running instance to the error state. Instances
// that are loading or unloading are left alone; their own outcome wins.
func (m *Manager) SetAppError(appID string, err error) {
	appErr := types.ToAppError(err, appID)

	m.mu.Lock()
	inst, ok := m.instances[appID]
	if !ok || inst.loading != nil || inst.unloaded != nil {
		m.mu.Unlock()
		return
	}
	appErr = appErr.WithRetry(inst.info.RetryCount)
	inst.info.Status = types.StatusError
	inst.info.ErrorCount++
	inst.info.LastError = appErr
	if m.activeID == appID {
		m.activeID = ""
	}
	scheduled := m.scheduleRetryLocked(inst)
	snap := inst.snapshot()
	m.mu.Unlock()

	m.reportError(snap, inst.secCtx, appErr)
	if scheduled {
		m.emitRetryScheduled(snap)
	}
	m.updateGauges()
}

// RetryApp reloads an instance in the error state. The retry budget of
// automatic recovery starts over.
func (m *Manager) RetryApp(ctx context.Context, appID string) (types.Instance, error) {
	m.mu.Lock()
	inst, ok := m.instances[appID]
	if !ok {
		m.mu.Unlock()
		return types.Instance{}, types.NewAppError(types.CodeAppNotFound, appID, "app is not loaded", nil)
	}
	if inst.info.Status != types.StatusError || inst.loading != nil || inst.unloaded != nil {
		snap := inst.snapshot()
		m.mu.Unlock()
		return snap, fmt.Errorf("%w: %s is %s", ErrNotFailed, appID, snap.Status)
	}
	if n := m.admittedLocked(); n >= m.cfg.MaxConcurrentApps {
		m.mu.Unlock()
		return types.Instance{}, types.NewAppError(types.CodeAdmissionLimit, appID,
			fmt.Sprintf("%d of %d app slots in use", n, m.cfg.MaxConcurrentApps), nil)
	}
	if inst.retry != nil {
		inst.retry.Stop()
		inst.retry = nil
	}
	inst.info.RetryCount = 0
	instanceID := inst.info.ID
	program, caps, sb := inst.detach()
	m.beginAttemptLocked(inst)
	m.mu.Unlock()

	if err := m.teardown(ctx, appID, program, caps, sb); err != nil {
		m.logger.Warn("Unmount before retry failed", zap.String("app_id", appID), zap.Error(err))
	}
	if m.metrics != nil {
		m.metrics.RecordRetry("manual")
	}
	m.logger.Info("Retrying app", zap.String("app_id", appID), zap.String("trigger", "manual"))
	m.emitRetrying(appID, instanceID, "manual", 0)

	m.attempt(ctx, inst)
	return m.await(ctx, inst)
}

// scheduleRetryLocked arms the automatic retry of a failed instance when
// recovery is enabled and the budget allows; mu must be held
func (m *Manager) scheduleRetryLocked(inst *instance) bool {
	if !m.cfg.AutoRecover || inst.retry != nil || inst.info.Status != types.StatusError {
		return false
	}
	if inst.info.LastError == nil || !inst.info.LastError.Recoverable {
		return false
	}
	if inst.info.RetryCount >= m.cfg.MaxRetries {
		return false
	}
	gen := inst.attempt
	inst.retry = time.AfterFunc(m.cfg.RetryDelay, func() {
		m.autoRetry(inst, gen)
	})
	return true
}

func (m *Manager) autoRetry(inst *instance, gen int) {
	appID := inst.info.AppID

	m.mu.Lock()
	if m.instances[appID] != inst || inst.attempt != gen || inst.info.Status != types.StatusError ||
		inst.loading != nil || inst.unloaded != nil {
		m.mu.Unlock()
		return
	}
	inst.retry = nil
	if n := m.admittedLocked(); n >= m.cfg.MaxConcurrentApps {
		m.mu.Unlock()
		m.logger.Warn("Automatic retry skipped at admission",
			zap.String("app_id", appID),
			zap.Int("admitted", n))
		return
	}
	inst.info.RetryCount++
	retry := inst.info.RetryCount
	instanceID := inst.info.ID
	program, caps, sb := inst.detach()
	m.beginAttemptLocked(inst)
	m.mu.Unlock()

	if err := m.teardown(context.Background(), appID, program, caps, sb); err != nil {
		m.logger.Warn("Unmount before retry failed", zap.String("app_id", appID), zap.Error(err))
	}
	if m.metrics != nil {
		m.metrics.RecordRetry("auto")
	}
	m.logger.Info("Retrying app",
		zap.String("app_id", appID),
		zap.String("trigger", "auto"),
		zap.Int("retry_count", retry))
	m.emitRetrying(appID, instanceID, "auto", retry)

	m.attempt(context.Background(), inst)
}

// emitRetrying publishes the error to loading transition of a retry
func (m *Manager) emitRetrying(appID, instanceID, trigger string, retry int) {
	m.emit(events.AppLoading, appID, instanceID, map[string]any{
		"retry_count": retry,
		"trigger":     trigger,
	})
}

func (m *Manager) emitRetryScheduled(snap types.Instance) {
	m.logger.Info("Retry scheduled",
		zap.String("app_id", snap.AppID),
		zap.Int("attempt", snap.RetryCount+1),
		zap.Duration("delay", m.cfg.RetryDelay))
	m.emit(events.AppRetryScheduled, snap.AppID, snap.ID, map[string]any{
		"attempt":  snap.RetryCount + 1,
		"delay_ms": m.cfg.RetryDelay.Milliseconds(),
	})
}

// reportError logs and publishes an instance failure. Unrecoverable
// failures are also recorded as security events.
func (m *Manager) reportError(snap types.Instance, secCtx *types.SecurityContext, appErr *types.AppError) {
	fields := []zap.Field{
		zap.String("app_id", snap.AppID),
		zap.String("instance_id", snap.ID),
		zap.String("code", string(appErr.Code)),
		zap.Int("retry_count", appErr.RetryCount),
		zap.Error(appErr),
	}
	m.emit(events.AppError, snap.AppID, snap.ID, map[string]any{
		"code":        string(appErr.Code),
		"message":     appErr.Message,
		"recoverable": appErr.Recoverable,
		"retry_count": appErr.RetryCount,
	})

	if appErr.Recoverable {
		m.logger.Warn("App failed", fields...)
		return
	}
	m.logger.Error("App failed unrecoverably", fields...)

	evt := types.SecurityEvent{
		ID:          id.NewEventID().String(),
		Type:        "app_failure",
		Severity:    types.SeverityError,
		AppID:       snap.AppID,
		Description: appErr.Message,
		Details: map[string]any{
			"code":        string(appErr.Code),
			"instance_id": snap.ID,
			"error":       appErr.Error(),
		},
		Timestamp: time.Now(),
	}
	if secCtx != nil {
		evt.UserID = secCtx.UserID
		evt.SessionID = secCtx.SessionID
	}
	m.emit(events.SecurityEvent, snap.AppID, snap.ID, map[string]any{
		"event_id": evt.ID,
		"type":     evt.Type,
		"severity": string(evt.Severity),
		"code":     string(appErr.Code),
	})
	if m.audit != nil {
		if err := m.audit.InsertSecurityEvent(context.Background(), evt); err != nil {
			m.logger.Error("Failed to record security event", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
}

// onViolation applies the violation policy to monitor reports
func (m *Manager) onViolation(evt events.Event) {
	v, ok := evt.Payload["violation"].(types.ResourceViolation)
	if !ok {
		return
	}
	if m.cfg.ViolationPolicy != ViolationFault {
		m.logger.Warn("Resource violation reported",
			zap.String("app_id", v.AppID),
			zap.String("instance_id", v.InstanceID),
			zap.String("type", string(v.Type)))
		return
	}

	m.mu.Lock()
	inst, ok := m.instances[v.AppID]
	match := ok && inst.info.ID == v.InstanceID
	m.mu.Unlock()
	if !match {
		return
	}
	m.SetAppError(v.AppID, types.NewAppError(types.CodeRuntimeFault, v.AppID,
		"resource limit exceeded: "+string(v.Type), nil))
}
