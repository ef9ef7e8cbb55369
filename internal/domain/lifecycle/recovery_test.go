package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/monitor"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/permission"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

func TestLoadRejectsUngrantedDeclaredPermission(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	audit := store.NewMemory()
	h.lc.WithValidator(permission.NewEngine(nil, nil)).WithAuditStore(audit)
	prog := &testProgram{}
	h.add(t, "X", prog, "read:data")
	rec := record(h.bus, events.AppError, events.SecurityEvent)
	ctx := context.Background()

	writer := &types.SecurityContext{
		UserID:      "u1",
		Permissions: []types.Permission{{ID: "p1", Name: "write data", Resource: "data", Action: "write"}},
	}
	_, err := h.lc.LoadApp(ctx, "X", writer)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLoadValidation)
	assert.Contains(t, err.Error(), "read:data")

	_, ok := h.lc.GetInstance("X")
	assert.False(t, ok)
	_, ok = h.sandboxes.GetSandbox("X")
	assert.False(t, ok)
	assert.Equal(t, int32(0), prog.mounts.Load())

	assert.Equal(t, 1, rec.count(events.AppError))
	assert.Equal(t, 1, rec.count(events.SecurityEvent))
	stored, err := audit.SecurityEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "X", stored[0].AppID)
	assert.Equal(t, "u1", stored[0].UserID)

	reader := &types.SecurityContext{
		UserID:      "u1",
		Permissions: []types.Permission{{ID: "p2", Name: "read data", Resource: "data", Action: "read"}},
	}
	inst, err := h.lc.LoadApp(ctx, "X", reader)
	require.NoError(t, err)
	assert.Equal(t, types.StatusMounted, inst.Status)
}

func TestLoadTimeoutRetriesExactlyMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadTimeout = 50 * time.Millisecond
	cfg.AutoRecover = true
	cfg.MaxRetries = 2
	cfg.RetryDelay = 10 * time.Millisecond
	h := newHarness(t, cfg)
	prog := &testProgram{block: true}
	h.add(t, "slow", prog)
	rec := record(h.bus, events.AppRetryScheduled, events.AppError, events.AppLoading)

	inst, err := h.lc.LoadApp(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLoadTimeout)
	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.True(t, appErr.Recoverable)
	assert.Equal(t, 0, appErr.RetryCount)
	assert.Equal(t, types.StatusError, inst.Status)
	assert.Equal(t, 0, inst.RetryCount)

	require.Eventually(t, func() bool {
		cur, ok := h.lc.GetInstance("slow")
		return ok && cur.Status == types.StatusError && cur.RetryCount == cfg.MaxRetries
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1+cfg.MaxRetries), prog.mounts.Load())
	assert.Equal(t, cfg.MaxRetries, rec.count(events.AppRetryScheduled))
	assert.Equal(t, 1+cfg.MaxRetries, rec.count(events.AppError))

	// Every attempt announces its move to loading
	assert.Equal(t, 1+cfg.MaxRetries, rec.count(events.AppLoading))
	loading, ok := rec.last(events.AppLoading)
	require.True(t, ok)
	assert.Equal(t, "auto", loading.Payload["trigger"])
	assert.Equal(t, cfg.MaxRetries, loading.Payload["retry_count"])

	cur, _ := h.lc.GetInstance("slow")
	assert.Equal(t, 1+cfg.MaxRetries, cur.ErrorCount)
	require.NotNil(t, cur.LastError)
	assert.Equal(t, types.CodeLoadTimeout, cur.LastError.Code)
	assert.Equal(t, 0, h.sandboxes.Count())
}

func TestLoadTimeoutWithoutRecoveryStaysFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadTimeout = 30 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	h := newHarness(t, cfg)
	prog := &testProgram{block: true}
	h.add(t, "slow", prog)

	_, err := h.lc.LoadApp(context.Background(), "slow", nil)
	require.ErrorIs(t, err, types.ErrLoadTimeout)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), prog.mounts.Load())

	// A failed instance holds no admission slot
	assert.Equal(t, 0, h.lc.Stats().Admitted)
	assert.Equal(t, 1, h.lc.Stats().Errored)
}

func TestMountFailureIsRecoverableFault(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	prog := &testProgram{}
	prog.failures.Store(1)
	h.add(t, "flaky", prog)
	rec := record(h.bus, events.AppLoading)
	ctx := context.Background()

	inst, err := h.lc.LoadApp(ctx, "flaky", nil)
	require.ErrorIs(t, err, types.ErrRuntimeFault)
	assert.Equal(t, types.StatusError, inst.Status)

	// Loading a failed app reports its last error
	_, err = h.lc.LoadApp(ctx, "flaky", nil)
	require.ErrorIs(t, err, types.ErrRuntimeFault)

	inst, err = h.lc.RetryApp(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, types.StatusMounted, inst.Status)
	assert.Equal(t, 0, inst.RetryCount)
	assert.Equal(t, 1, inst.ErrorCount)
	assert.Nil(t, inst.LastError)

	assert.Equal(t, 2, rec.count(events.AppLoading))
	loading, _ := rec.last(events.AppLoading)
	assert.Equal(t, "manual", loading.Payload["trigger"])
	assert.Equal(t, inst.ID, loading.InstanceID)
}

func TestCallerCancellationDoesNotFailLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRecover = true
	cfg.RetryDelay = time.Millisecond
	h := newHarness(t, cfg)
	prog := &testProgram{gate: make(chan struct{})}
	h.add(t, "notes", prog)
	rec := record(h.bus, events.AppError, events.AppRetryScheduled)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		inst types.Instance
		err  error
	}
	done := make(chan result, 1)
	go func() {
		inst, err := h.lc.LoadApp(ctx, "notes", nil)
		done <- result{inst, err}
	}()

	require.Eventually(t, func() bool { return prog.mounts.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(prog.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, types.StatusMounted, res.inst.Status)
	assert.Equal(t, 0, res.inst.ErrorCount)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), prog.mounts.Load())
	assert.Zero(t, rec.count(events.AppError))
	assert.Zero(t, rec.count(events.AppRetryScheduled))
}

func TestMountPanicIsContained(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.add(t, "crashy", &testProgram{panics: true})

	inst, err := h.lc.LoadApp(context.Background(), "crashy", nil)
	require.ErrorIs(t, err, types.ErrRuntimeFault)
	assert.Equal(t, types.StatusError, inst.Status)
	_, ok := h.sandboxes.GetSandbox("crashy")
	assert.False(t, ok)
}

func TestRetryAppPreconditions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.add(t, "notes", &testProgram{})
	ctx := context.Background()

	_, err := h.lc.RetryApp(ctx, "notes")
	assert.ErrorIs(t, err, types.ErrAppNotFound)

	_, err = h.lc.LoadApp(ctx, "notes", nil)
	require.NoError(t, err)
	_, err = h.lc.RetryApp(ctx, "notes")
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestSetAppErrorSchedulesRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRecover = true
	cfg.RetryDelay = 10 * time.Millisecond
	h := newHarness(t, cfg)
	prog := &testProgram{}
	h.add(t, "notes", prog)
	rec := record(h.bus, events.AppError, events.AppRetryScheduled)

	_, err := h.lc.SwitchToApp(context.Background(), "notes", nil)
	require.NoError(t, err)

	h.lc.SetAppError("notes", errors.New("render loop crashed"))

	inst, _ := h.lc.GetInstance("notes")
	assert.Equal(t, types.StatusError, inst.Status)
	assert.Equal(t, 1, inst.ErrorCount)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, types.CodeRuntimeFault, inst.LastError.Code)
	_, ok := h.lc.ActiveInstance()
	assert.False(t, ok)
	assert.Equal(t, 1, rec.count(events.AppRetryScheduled))

	require.Eventually(t, func() bool {
		cur, _ := h.lc.GetInstance("notes")
		return cur.Status == types.StatusMounted
	}, time.Second, 5*time.Millisecond)

	cur, _ := h.lc.GetInstance("notes")
	assert.Equal(t, 1, cur.RetryCount)
	assert.Equal(t, int32(2), prog.mounts.Load())
	assert.Equal(t, int32(1), prog.unmounts.Load())
	assert.Equal(t, 1, rec.count(events.AppError))
}

func TestSetAppErrorIgnoresUnknownApps(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.lc.SetAppError("ghost", errors.New("boom"))
	assert.Empty(t, h.lc.ListInstances(nil))
}

func TestViolationPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy ViolationPolicy
		want   types.Status
	}{
		{"report only logs", ViolationReport, types.StatusMounted},
		{"fault fails the instance", ViolationFault, types.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ViolationPolicy = tt.policy
			h := newHarness(t, cfg)
			h.add(t, "hog", &testProgram{})

			_, err := h.lc.LoadApp(context.Background(), "hog", nil)
			require.NoError(t, err)

			sb, ok := h.sandboxes.GetSandbox("hog")
			require.True(t, ok)
			sb.Monitor().ReportUsage(monitor.Usage{MemoryMB: 4096})
			violations := sb.Monitor().Check()
			require.NotEmpty(t, violations)

			inst, _ := h.lc.GetInstance("hog")
			assert.Equal(t, tt.want, inst.Status)
			if tt.want == types.StatusError {
				require.NotNil(t, inst.LastError)
				assert.Equal(t, types.CodeRuntimeFault, inst.LastError.Code)
				assert.Contains(t, inst.LastError.Message, "memory")
			}
		})
	}
}

func TestViolationForStaleInstanceIsIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ViolationPolicy = ViolationFault
	h := newHarness(t, cfg)
	h.add(t, "hog", &testProgram{})

	_, err := h.lc.LoadApp(context.Background(), "hog", nil)
	require.NoError(t, err)

	h.bus.Publish(events.Event{
		Type:  events.SandboxResourceViolation,
		AppID: "hog",
		Payload: map[string]any{
			"violation": types.ResourceViolation{AppID: "hog", InstanceID: "inst_old", Type: types.ViolationCPU},
		},
	})

	inst, _ := h.lc.GetInstance("hog")
	assert.Equal(t, types.StatusMounted, inst.Status)
}
