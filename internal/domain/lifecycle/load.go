package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/monitor"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// errSuperseded stops a mount whose attempt was abandoned
var errSuperseded = errors.New("load attempt superseded")

// LoadOption customizes a load
type LoadOption func(*loadOptions)

type loadOptions struct {
	props map[string]any
}

// WithProps passes props to the mounted program
func WithProps(props map[string]any) LoadOption {
	return func(o *loadOptions) {
		o.props = props
	}
}

// mounted is what one attempt acquired; partial on failure
type mounted struct {
	program sandbox.Program
	caps    *sandbox.Capabilities
	sandbox *sandbox.Sandbox
	ok      bool
	err     error
}

// LoadApp loads appID, or returns its existing instance. Concurrent loads
// of one app share a single attempt.
func (m *Manager) LoadApp(ctx context.Context, appID string, secCtx *types.SecurityContext, opts ...LoadOption) (types.Instance, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	desc, err := m.apps.GetApp(appID)
	if err != nil {
		return types.Instance{}, types.NewAppError(types.CodeLoadValidation, appID, "cannot load unknown app", err)
	}

	for {
		m.mu.Lock()
		inst, ok := m.instances[appID]
		if !ok {
			break
		}
		unloaded := inst.unloaded
		m.mu.Unlock()

		if unloaded == nil {
			return m.await(ctx, inst)
		}
		// Unload in progress; load afresh once it completes
		if err := wait(ctx, unloaded); err != nil {
			return types.Instance{}, err
		}
	}

	// mu is held
	if n := m.admittedLocked(); n >= m.cfg.MaxConcurrentApps {
		m.mu.Unlock()
		m.logger.Warn("Load rejected at admission",
			zap.String("app_id", appID),
			zap.Int("admitted", n),
			zap.Int("ceiling", m.cfg.MaxConcurrentApps))
		monitoring.NewTimer(m.metrics).Stop("rejected")
		return types.Instance{}, types.NewAppError(types.CodeAdmissionLimit, appID,
			fmt.Sprintf("%d of %d app slots in use", n, m.cfg.MaxConcurrentApps), nil)
	}

	now := time.Now()
	inst := &instance{
		info: types.Instance{
			ID:           id.NewInstanceID().String(),
			AppID:        appID,
			Status:       types.StatusInitializing,
			CreatedAt:    now,
			LastActivity: now,
		},
		desc:   *desc,
		secCtx: secCtx.ForApp(appID),
		props:  o.props,
	}
	if secCtx != nil {
		inst.info.UserID = secCtx.UserID
		inst.info.SessionID = secCtx.SessionID
	}
	m.beginAttemptLocked(inst)
	m.instances[appID] = inst
	m.mu.Unlock()

	m.logger.Info("Loading app", zap.String("app_id", appID), zap.String("instance_id", inst.info.ID))
	m.emit(events.AppLoading, appID, inst.info.ID, map[string]any{"name": desc.Name, "version": desc.Version})

	m.attempt(ctx, inst)
	return m.await(ctx, inst)
}

// admittedLocked counts instances holding or reserving a slot; mu must be
// held
func (m *Manager) admittedLocked() int {
	n := 0
	for _, inst := range m.instances {
		if inst.info.Status.Admitted() || inst.loading != nil {
			n++
		}
	}
	return n
}

// beginAttemptLocked reserves a slot for a new attempt; mu must be held
func (m *Manager) beginAttemptLocked(inst *instance) {
	inst.attempt++
	inst.loading = make(chan struct{})
	inst.loadErr = nil
}

// current reports whether gen is still the live attempt of inst
func (m *Manager) current(inst *instance, gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[inst.info.AppID] == inst && inst.attempt == gen && inst.loading != nil
}

// await waits for any attempt in flight and reports the outcome
func (m *Manager) await(ctx context.Context, inst *instance) (types.Instance, error) {
	m.mu.Lock()
	loading := inst.loading
	m.mu.Unlock()

	if loading != nil {
		if err := wait(ctx, loading); err != nil {
			return types.Instance{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instances[inst.info.AppID] != inst && inst.loadErr != nil {
		return types.Instance{}, inst.loadErr
	}
	snap := inst.snapshot()
	if snap.Status == types.StatusError && snap.LastError != nil {
		return snap, snap.LastError
	}
	return snap, nil
}

// attempt mounts inst under the load timeout. The caller has reserved the
// attempt with beginAttemptLocked. The attempt keeps ctx's values but not
// its cancellation: a caller going away does not fail the load.
func (m *Manager) attempt(ctx context.Context, inst *instance) {
	m.mu.Lock()
	gen := inst.attempt
	inst.info.Status = types.StatusLoading
	appID := inst.info.AppID
	m.mu.Unlock()
	m.updateGauges()

	timer := monitoring.NewTimer(m.metrics)
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LoadTimeout)
	defer cancel()

	done := make(chan mounted, 1)
	go func() {
		done <- m.mount(loadCtx, inst, gen)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			m.loadFailed(inst, res, classify(appID, res.err), timer)
			return
		}
		m.loadSucceeded(inst, res, timer)
	case <-loadCtx.Done():
		err := types.NewAppError(types.CodeLoadTimeout, appID,
			fmt.Sprintf("load did not finish within %s", m.cfg.LoadTimeout), loadCtx.Err())
		m.loadFailed(inst, mounted{}, err, timer)
		go m.abandon(appID, done)
	}
}

// mount acquires the sandbox and capabilities and mounts the program
func (m *Manager) mount(ctx context.Context, inst *instance, gen int) (res mounted) {
	m.mu.Lock()
	desc, secCtx, props, instanceID := inst.desc, inst.secCtx, inst.props, inst.info.ID
	m.mu.Unlock()
	appID := desc.ID

	if m.validator != nil && secCtx != nil && len(desc.Permissions) > 0 {
		missing, err := m.validator.ValidateDeclared(ctx, desc.Permissions, secCtx)
		if err != nil {
			res.err = types.NewAppError(types.CodeLoadValidation, appID, "invalid declared permissions", err)
			return res
		}
		if len(missing) > 0 {
			res.err = types.NewAppError(types.CodeLoadValidation, appID,
				"missing required permissions: "+strings.Join(missing, ", "), nil)
			return res
		}
	}

	program, err := m.programs.Resolve(desc)
	if err != nil {
		res.err = types.NewAppError(types.CodeLoadValidation, appID, "cannot resolve program", err)
		return res
	}
	res.program = program

	if !m.current(inst, gen) {
		res.err = errSuperseded
		return res
	}
	sb, err := m.sandboxes.CreateSandbox(appID, instanceID, overridesFor(desc))
	if err != nil {
		res.err = err
		return res
	}
	res.sandbox = sb

	caps := m.sandboxes.NewCapabilities(sb, props, secCtx)
	res.caps = caps

	if err := sb.Boundary().Run(ctx, "mount", func(ctx context.Context) error {
		return program.Mount(ctx, caps)
	}); err != nil {
		res.err = err
		return res
	}
	res.ok = true

	if sampler, ok := program.(monitor.Sampler); ok {
		sb.AttachSampler(sampler)
	}
	return res
}

// abandon tears down whatever a timed out attempt acquires after all
func (m *Manager) abandon(appID string, done <-chan mounted) {
	res := <-done
	if res.ok {
		m.logger.Warn("Discarding app mounted after load timeout", zap.String("app_id", appID))
	}
	m.release(appID, res)
}

// release undoes a mount result
func (m *Manager) release(appID string, res mounted) {
	var program sandbox.Program
	if res.ok {
		program = res.program
	}
	if err := m.teardown(context.Background(), appID, program, res.caps, res.sandbox); err != nil {
		m.logger.Warn("Unmount of discarded program failed", zap.String("app_id", appID), zap.Error(err))
	}
}

func (m *Manager) loadSucceeded(inst *instance, res mounted, timer *monitoring.Timer) {
	now := time.Now()

	m.mu.Lock()
	inst.program, inst.caps, inst.sandbox = res.program, res.caps, res.sandbox
	inst.info.Status = types.StatusMounted
	inst.info.Isolation = res.sandbox.Isolation()
	inst.info.MountedAt = &now
	inst.info.LastActivity = now
	inst.info.LastError = nil
	inst.loadErr = nil
	close(inst.loading)
	inst.loading = nil
	snap := inst.snapshot()
	m.mu.Unlock()

	elapsed := timer.Stop("success")
	m.logger.Info("App mounted",
		zap.String("app_id", snap.AppID),
		zap.String("instance_id", snap.ID),
		zap.String("isolation", string(snap.Isolation)),
		zap.Duration("duration", elapsed))
	m.emit(events.AppMounted, snap.AppID, snap.ID, map[string]any{"isolation": string(snap.Isolation)})
	m.emit(events.AppLoaded, snap.AppID, snap.ID, map[string]any{
		"duration_ms": elapsed.Milliseconds(),
		"retry_count": snap.RetryCount,
	})
	m.updateGauges()
}

func (m *Manager) loadFailed(inst *instance, res mounted, appErr *types.AppError, timer *monitoring.Timer) {
	appID := inst.info.AppID
	m.release(appID, res)

	m.mu.Lock()
	appErr = appErr.WithRetry(inst.info.RetryCount)
	inst.loadErr = appErr
	if appErr.Recoverable {
		inst.info.Status = types.StatusError
		inst.info.ErrorCount++
		inst.info.LastError = appErr
	} else {
		inst.info.Status = types.StatusUnmounted
		delete(m.instances, appID)
		if m.activeID == appID {
			m.activeID = ""
		}
	}
	close(inst.loading)
	inst.loading = nil
	scheduled := m.scheduleRetryLocked(inst)
	snap := inst.snapshot()
	m.mu.Unlock()

	timer.Stop(strings.ToLower(string(appErr.Code)))
	m.reportError(snap, inst.secCtx, appErr)
	if scheduled {
		m.emitRetryScheduled(snap)
	}
	m.updateGauges()
}

// classify maps a mount failure onto the error taxonomy
func classify(appID string, err error) *types.AppError {
	if appErr, ok := types.AsAppError(err); ok {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.NewAppError(types.CodeLoadTimeout, appID, "load interrupted", err)
	}
	return types.NewAppError(types.CodeRuntimeFault, appID, "mount failed", err)
}
