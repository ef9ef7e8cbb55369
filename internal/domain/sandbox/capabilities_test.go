package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/monitor"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

type denyResource struct {
	resource string
	calls    int
}

func (d *denyResource) Authorize(ctx context.Context, resource, action string, secCtx *types.SecurityContext) error {
	d.calls++
	if resource == d.resource {
		return types.NewAppError(types.CodePermissionDenied, "", "user may not "+action+" "+resource, nil)
	}
	return nil
}

func newCaps(t *testing.T, m *Manager, app string, overrides *types.SandboxOverrides) *Capabilities {
	t.Helper()
	sb, err := m.CreateSandbox(app, "inst-"+app, overrides)
	require.NoError(t, err)
	caps := m.NewCapabilities(sb, map[string]any{"title": "T", "apiToken": "x"}, nil)
	t.Cleanup(caps.Close)
	return caps
}

// grantData is a sandbox override granting the given data actions
func grantData(actions ...string) *types.SandboxOverrides {
	return &types.SandboxOverrides{
		Permissions: []types.AppPermission{{Resource: "data", Actions: actions, Granted: true}},
	}
}

func TestCapabilitiesData(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	data := store.NewMemory()
	m.WithDataStore(data)
	caps := newCaps(t, m, "notes", grantData("read", "write", "delete"))

	require.NoError(t, caps.SetData(ctx, DefaultCollection, "draft", "v1"))
	require.NoError(t, caps.SetData(ctx, DefaultCollection, "draft", "v2"))

	v, err := caps.GetData(ctx, DefaultCollection, "draft")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	// Stored under the app's own namespace
	stored, err := data.GetData(ctx, "notes", DefaultCollection, "draft")
	require.NoError(t, err)
	assert.Equal(t, "v2", stored)

	_, err = caps.GetData(ctx, DefaultCollection, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deletes are not in the default data access policy
	err = caps.DeleteData(ctx, DefaultCollection, "draft")
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))

	err = caps.SetData(ctx, "other", "k", 1)
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
}

func TestCapabilitiesDataFollowsDataPermission(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	data := store.NewMemory()
	m.WithDataStore(data)
	_, err := data.SetData(ctx, "reader", DefaultCollection, "k", "v")
	require.NoError(t, err)
	_, err = data.SetData(ctx, "locked", DefaultCollection, "k", "v")
	require.NoError(t, err)

	// Defaults grant data reads only
	reader := newCaps(t, m, "reader", nil)
	v, err := reader.GetData(ctx, DefaultCollection, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(reader.SetData(ctx, DefaultCollection, "k", "w")))

	// Storage grants do not open data access
	locked := newCaps(t, m, "locked", &types.SandboxOverrides{
		Permissions: []types.AppPermission{
			{Resource: "data", Actions: []string{"read", "write", "delete"}, Granted: false},
			{Resource: "storage", Actions: []string{"read", "write"}, Granted: true},
		},
	})
	_, err = locked.GetData(ctx, DefaultCollection, "k")
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(locked.SetData(ctx, DefaultCollection, "k", "w")))

	stored, err := data.GetData(ctx, "locked", DefaultCollection, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", stored)

	// Delete needs its own action even where the collection policy allows it
	writer := newCaps(t, m, "writer", &types.SandboxOverrides{
		Permissions: []types.AppPermission{{Resource: "data", Actions: []string{"read", "write"}, Granted: true}},
		DataAccess: &types.DataAccessPolicy{
			AllowedCollections: []string{DefaultCollection},
			AllowedOperations:  []types.DataOperation{types.OpSelect, types.OpInsert, types.OpDelete},
		},
	})
	require.NoError(t, writer.SetData(ctx, DefaultCollection, "k", 1))
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(writer.DeleteData(ctx, DefaultCollection, "k")))
}

func TestCapabilitiesDataOperationsFollowPolicy(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.WithDataStore(store.NewMemory())
	caps := newCaps(t, m, "notes", &types.SandboxOverrides{
		Permissions: []types.AppPermission{{Resource: "data", Actions: []string{"*"}, Granted: true}},
		DataAccess: &types.DataAccessPolicy{
			AllowedCollections: []string{DefaultCollection},
			AllowedOperations:  []types.DataOperation{types.OpInsert, types.OpDelete},
		},
	})

	require.NoError(t, caps.SetData(ctx, DefaultCollection, "k", 1))
	// Second write is an update, which the policy does not allow
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(caps.SetData(ctx, DefaultCollection, "k", 2)))
	_, err := caps.GetData(ctx, DefaultCollection, "k")
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
	assert.NoError(t, caps.DeleteData(ctx, DefaultCollection, "k"))
}

func TestCapabilitiesDataWithoutStore(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", nil)

	_, err := caps.GetData(context.Background(), DefaultCollection, "k")
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
}

func TestCapabilitiesNotify(t *testing.T) {
	ctx := context.Background()
	m, bus := newTestManager(t)

	var notes []events.Event
	bus.Subscribe(events.AppNotification, func(e events.Event) { notes = append(notes, e) })

	denied := newCaps(t, m, "notes", nil)
	err := denied.Notify(ctx, "hi", "there")
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
	assert.Empty(t, notes)

	allowed := newCaps(t, m, "calendar", &types.SandboxOverrides{
		Permissions: []types.AppPermission{{Resource: "notification", Actions: []string{"create"}, Granted: true}},
	})
	require.NoError(t, allowed.Notify(ctx, "<b>Meeting</b>", `<a href="x">soon</a>`))

	require.Len(t, notes, 1)
	assert.Equal(t, "calendar", notes[0].AppID)
	assert.Equal(t, "Meeting", notes[0].Payload["title"])
	assert.Equal(t, "soon", notes[0].Payload["message"])
}

func TestCapabilitiesConsultAuthorizer(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	authz := &denyResource{resource: "data"}
	m.WithDataStore(store.NewMemory()).WithAuthorizer(authz)

	sb, err := m.CreateSandbox("notes", "inst-1", grantData("read", "write"))
	require.NoError(t, err)

	// Without a security context only the sandbox grant applies
	anonymous := m.NewCapabilities(sb, nil, nil)
	require.NoError(t, anonymous.SetData(ctx, DefaultCollection, "k", 1))
	assert.Equal(t, 0, authz.calls)

	user := m.NewCapabilities(sb, nil, &types.SecurityContext{UserID: "u1"})
	err = user.SetData(ctx, DefaultCollection, "k", 2)
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
	assert.Equal(t, 1, authz.calls)
}

func TestCapabilitiesState(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", nil)

	_, ok, err := caps.GetState("count")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, caps.SetState("count", 3))
	v, ok, err := caps.GetState("count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestStrictIsolationCopiesAcrossBoundary(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", &types.SandboxOverrides{Isolation: types.IsolationStrict})

	original := map[string]any{"items": []any{"a"}}
	require.NoError(t, caps.SetState("doc", original))
	original["items"] = []any{"mutated"}

	v, _, err := caps.GetState("doc")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"items": []any{"a"}}, v)

	// Reads are copies too
	v.(map[string]any)["items"] = nil
	again, _, err := caps.GetState("doc")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, again.(map[string]any)["items"])

	err = caps.SetState("fn", func() {})
	assert.Error(t, err)
}

func TestMaximumIsolationEnforcesCallBudget(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", &types.SandboxOverrides{
		Isolation: types.IsolationMaximum,
		Limits:    &types.ResourceLimits{APICallsPerMinute: 2},
	})

	require.NoError(t, caps.SetState("a", 1))
	require.NoError(t, caps.SetState("b", 2))

	err := caps.SetState("c", 3)
	require.Error(t, err)
	assert.Equal(t, types.CodeResourceViolation, types.CodeOf(err))
}

func TestStandardIsolationOnlyCountsCalls(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", &types.SandboxOverrides{
		Limits: &types.ResourceLimits{APICallsPerMinute: 1},
	})

	require.NoError(t, caps.SetState("a", 1))
	require.NoError(t, caps.SetState("b", 2))

	sb, _ := m.GetSandbox("notes")
	assert.Equal(t, 2, sb.Monitor().Snapshot().APICalls)
}

func TestCapabilitiesEvents(t *testing.T) {
	m, bus := newTestManager(t)
	notes := newCaps(t, m, "notes", nil)
	calendar := newCaps(t, m, "calendar", nil)

	var got []map[string]any
	_, err := notes.On("saved", func(p map[string]any) { got = append(got, p) })
	require.NoError(t, err)

	var crossTalk int
	_, err = calendar.On("saved", func(map[string]any) { crossTalk++ })
	require.NoError(t, err)

	var raw []events.Event
	bus.Subscribe(ScopedEvent("notes", "saved"), func(e events.Event) { raw = append(raw, e) })

	require.NoError(t, notes.Emit("saved", map[string]any{"id": "n1"}))

	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0]["id"])
	assert.Equal(t, 0, crossTalk)
	require.Len(t, raw, 1)
	assert.Equal(t, events.Type("app:notes:saved"), raw[0].Type)
	assert.Equal(t, "inst-notes", raw[0].InstanceID)
}

func TestCapabilitiesClose(t *testing.T) {
	m, bus := newTestManager(t)
	caps := newCaps(t, m, "notes", nil)

	calls := 0
	_, err := caps.On("tick", func(map[string]any) { calls++ })
	require.NoError(t, err)

	caps.Close()
	caps.Close()

	bus.Emit(ScopedEvent("notes", "tick"), nil)
	assert.Equal(t, 0, calls)

	err = caps.SetState("k", 1)
	assert.True(t, errors.Is(err, ErrCapabilitiesClosed))
	_, err = caps.On("tick", func(map[string]any) {})
	assert.ErrorIs(t, err, ErrCapabilitiesClosed)
}

func TestCapabilitiesPropsAndUsage(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", &types.SandboxOverrides{Limits: &types.ResourceLimits{MemoryMB: 10}})

	assert.Equal(t, map[string]any{"title": "T"}, caps.Props())
	assert.Equal(t, "notes", caps.AppID())
	assert.Equal(t, "inst-notes", caps.InstanceID())

	caps.ReportUsage(monitor.Usage{MemoryMB: 20})
	sb, _ := m.GetSandbox("notes")
	violations := sb.Monitor().Check()
	require.Len(t, violations, 1)
	assert.Equal(t, types.ViolationMemory, violations[0].Type)
}

func TestCapabilitiesStayBoundToTheirSandbox(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.WithDataStore(store.NewMemory())

	first, err := m.CreateSandbox("notes", "inst-1", grantData("read", "write"))
	require.NoError(t, err)
	stale := m.NewCapabilities(first, nil, nil)

	// A later attempt replaces the app's sandbox with a read-only one
	second, err := m.CreateSandbox("notes", "inst-2", nil)
	require.NoError(t, err)
	live := m.NewCapabilities(second, nil, nil)

	assert.Equal(t, "inst-1", stale.InstanceID())
	assert.Equal(t, "inst-2", live.InstanceID())
	assert.NoError(t, stale.SetData(ctx, DefaultCollection, "k", 1))
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(live.SetData(ctx, DefaultCollection, "k", 2)))

	stale.ReportUsage(monitor.Usage{MemoryMB: 4096})
	assert.Empty(t, second.Monitor().Check())
}
