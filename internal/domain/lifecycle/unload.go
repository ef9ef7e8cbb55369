package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// UnloadApp unmounts appID and forgets it. Unloading an app that is not
// loaded is a no-op. A failed unmount still removes the instance; the
// failure is returned.
func (m *Manager) UnloadApp(ctx context.Context, appID string) error {
	var inst *instance
	for {
		m.mu.Lock()
		cur, ok := m.instances[appID]
		if !ok {
			m.mu.Unlock()
			return nil
		}
		if cur.unloaded != nil {
			unloaded := cur.unloaded
			m.mu.Unlock()
			return wait(ctx, unloaded)
		}
		if cur.loading != nil {
			loading := cur.loading
			m.mu.Unlock()
			if err := wait(ctx, loading); err != nil {
				return err
			}
			continue
		}
		inst = cur
		break
	}

	// mu is held
	inst.unloaded = make(chan struct{})
	inst.info.Status = types.StatusUnmounting
	if inst.retry != nil {
		inst.retry.Stop()
		inst.retry = nil
	}
	if m.activeID == appID {
		m.activeID = ""
	}
	program, caps, sb := inst.detach()
	handlers := m.cleanup[appID]
	delete(m.cleanup, appID)
	instanceID := inst.info.ID
	m.mu.Unlock()

	m.emit(events.AppUnmounting, appID, instanceID, nil)
	m.runCleanup(appID, handlers)
	err := m.teardown(ctx, appID, program, caps, sb)

	m.mu.Lock()
	inst.info.Status = types.StatusUnmounted
	if m.instances[appID] == inst {
		delete(m.instances, appID)
	}
	close(inst.unloaded)
	m.mu.Unlock()

	forced := err != nil
	if forced {
		m.logger.Warn("App unloaded forcibly",
			zap.String("app_id", appID),
			zap.String("instance_id", instanceID),
			zap.Error(err))
	} else {
		m.logger.Info("App unloaded", zap.String("app_id", appID), zap.String("instance_id", instanceID))
	}
	m.emit(events.AppUnmounted, appID, instanceID, map[string]any{"forced": forced})
	if m.metrics != nil {
		m.metrics.RecordUnload()
	}
	m.updateGauges()

	if err != nil {
		return fmt.Errorf("unload %s: %w", appID, err)
	}
	return nil
}

// ReloadApp unloads and loads appID again. A nil secCtx, and absent
// props, reuse those of the previous instance; an active app stays active.
func (m *Manager) ReloadApp(ctx context.Context, appID string, secCtx *types.SecurityContext, opts ...LoadOption) (types.Instance, error) {
	m.mu.Lock()
	var props map[string]any
	wasActive := false
	if inst, ok := m.instances[appID]; ok {
		if secCtx == nil {
			secCtx = inst.secCtx
		}
		props = inst.props
		wasActive = m.activeID == appID
	}
	m.mu.Unlock()

	if err := m.UnloadApp(ctx, appID); err != nil {
		m.logger.Warn("Reload continuing after failed unload", zap.String("app_id", appID), zap.Error(err))
	}

	opts = append([]LoadOption{WithProps(props)}, opts...)
	if wasActive {
		return m.SwitchToApp(ctx, appID, secCtx, opts...)
	}
	return m.LoadApp(ctx, appID, secCtx, opts...)
}

func (m *Manager) runCleanup(appID string, handlers []func()) {
	for i, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Cleanup handler panicked",
						zap.String("app_id", appID),
						zap.Int("handler", i),
						zap.Any("panic", r))
				}
			}()
			fn()
		}()
	}
}

// teardown unmounts program through its sandbox boundary, then closes the
// capabilities and releases the sandbox. Nil parts are skipped.
func (m *Manager) teardown(ctx context.Context, appID string, program sandbox.Program, caps *sandbox.Capabilities, sb *sandbox.Sandbox) error {
	var err error
	if program != nil {
		err = m.unmount(ctx, appID, program, sb)
	}
	if caps != nil {
		caps.Close()
	}
	if sb != nil {
		m.sandboxes.ReleaseSandbox(sb)
	}
	return err
}

func (m *Manager) unmount(ctx context.Context, appID string, program sandbox.Program, sb *sandbox.Sandbox) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.UnloadTimeout)
	defer cancel()

	run := func(ctx context.Context) error {
		return program.Unmount(ctx)
	}
	done := make(chan error, 1)
	go func() {
		if sb == nil {
			done <- run(ctx)
			return
		}
		done <- sb.Boundary().Run(ctx, "unmount", run)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return types.NewAppError(types.CodeRuntimeFault, appID,
			fmt.Sprintf("unmount did not finish within %s", m.cfg.UnloadTimeout), ctx.Err())
	}
}
