package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/store"
)

const notesScript = `
var sandboxed = typeof require === "undefined" && typeof process === "undefined";
host.setState("greeting", "hello " + host.props.title);

function mount() {
	host.setData("user_data", "doc", { n: 1 });
	host.setState("sandboxed", sandboxed);
	try {
		host.notify("hi", "there");
	} catch (e) {
		console.error("notify refused");
	}
	console.log("mounted", host.appId);
}

function unmount() {
	host.emit("closed", { reason: "bye" });
}
`

func TestScriptProgramLifecycle(t *testing.T) {
	ctx := context.Background()
	m, bus := newTestManager(t)
	data := store.NewMemory()
	m.WithDataStore(data)
	caps := newCaps(t, m, "notes", grantData("read", "write"))

	var closed []events.Event
	bus.Subscribe(ScopedEvent("notes", "closed"), func(e events.Event) { closed = append(closed, e) })

	prog := NewScriptProgram("notes", notesScript, nil)
	require.NoError(t, prog.Mount(ctx, caps))

	greeting, ok, err := caps.GetState("greeting")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello T", greeting)

	sandboxed, _, _ := caps.GetState("sandboxed")
	assert.Equal(t, true, sandboxed)

	stored, err := data.GetData(ctx, "notes", DefaultCollection, "doc")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(1)}, stored)

	console := prog.Console()
	require.Len(t, console, 2)
	assert.Equal(t, "error", console[0].Level)
	assert.Equal(t, "notify refused", console[0].Message)
	assert.Equal(t, "mounted notes", console[1].Message)

	require.NoError(t, prog.Unmount(ctx))
	require.Len(t, closed, 1)
	assert.Equal(t, "bye", closed[0].Payload["reason"])

	// Second unmount has nothing to do
	assert.NoError(t, prog.Unmount(ctx))
}

func TestScriptProgramUncaughtDenialFailsMount(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", nil)

	prog := NewScriptProgram("notes", `function mount() { host.notify("a", "b"); }`, nil)
	err := prog.Mount(context.Background(), caps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_DENIED")
}

func TestScriptProgramSyntaxError(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", nil)

	err := NewScriptProgram("notes", `function {`, nil).Mount(context.Background(), caps)
	assert.ErrorContains(t, err, "script evaluation failed")
}

func TestScriptProgramInterruptedByContext(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewScriptProgram("notes", `while (true) {}`, nil).Mount(ctx, caps)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScriptProgramWithoutHooks(t *testing.T) {
	m, _ := newTestManager(t)
	caps := newCaps(t, m, "notes", nil)

	prog := NewScriptProgram("notes", `host.setState("ran", true);`, nil)
	require.NoError(t, prog.Mount(context.Background(), caps))
	require.NoError(t, prog.Unmount(context.Background()))

	ran, _, _ := caps.GetState("ran")
	assert.Equal(t, true, ran)
}
