package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
)

func TestDeliveryOrder(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.Subscribe(AppMounted, func(Event) { order = append(order, "first") })
	bus.Subscribe(AppMounted, func(Event) { order = append(order, "second") })
	bus.SubscribeAll(func(Event) { order = append(order, "wildcard") })
	bus.Subscribe(AppUnmounted, func(Event) { order = append(order, "other") })

	bus.Emit(AppMounted, map[string]any{"appId": "notes"})

	assert.Equal(t, []string{"first", "second", "wildcard"}, order)
}

func TestPublishFillsIdentity(t *testing.T) {
	bus := NewBus(nil)

	var got Event
	bus.Subscribe(AppLoaded, func(e Event) { got = e })
	bus.Publish(Event{Type: AppLoaded, AppID: "notes"})

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "notes", got.AppID)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := NewBus(nil)

	var reached bool
	bus.Subscribe(AppError, func(Event) { panic("handler bug") })
	bus.Subscribe(AppError, func(Event) { reached = true })

	assert.NotPanics(t, func() { bus.Emit(AppError, nil) })
	assert.True(t, reached)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	var calls int
	off := bus.Subscribe(AppSwitched, func(Event) { calls++ })
	require.Equal(t, 1, bus.SubscriberCount(AppSwitched))

	bus.Emit(AppSwitched, nil)
	off()
	off()
	bus.Emit(AppSwitched, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount(AppSwitched))
}

func TestHandlerMayEmitAndSubscribe(t *testing.T) {
	bus := NewBus(nil)

	var nested bool
	bus.Subscribe(AppLoading, func(Event) {
		bus.Subscribe(AppLoaded, func(Event) { nested = true })
		bus.Emit(AppLoaded, nil)
	})

	bus.Emit(AppLoading, nil)
	assert.True(t, nested)
}

func TestConcurrentEmitSubscribe(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := NewBus(nil).WithMetrics(monitoring.NewMetrics(reg))

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				off := bus.Subscribe(SandboxCreated, func(Event) { delivered.Add(1) })
				off()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit(SandboxCreated, nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.SubscriberCount(SandboxCreated))
	assert.GreaterOrEqual(t, delivered.Load(), int64(0))
}

func TestClear(t *testing.T) {
	bus := NewBus(nil)
	var calls int
	bus.Subscribe(AppMounted, func(Event) { calls++ })
	bus.SubscribeAll(func(Event) { calls++ })

	bus.Clear()
	bus.Emit(AppMounted, nil)

	assert.Zero(t, calls)
}
