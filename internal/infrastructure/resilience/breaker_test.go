package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWrite = errors.New("write failed")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func outcome(ok bool) func(context.Context) error {
	return func(context.Context) error {
		if ok {
			return nil
		}
		return errWrite
	}
}

func TestBreakerTrips(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		calls    []bool
		want     State
	}{
		{
			name:     "stays closed on successes",
			settings: Settings{},
			calls:    []bool{true, true, true},
			want:     StateClosed,
		},
		{
			name:     "custom trip rule",
			settings: Settings{Trip: func(c Counts) bool { return c.TotalFailures >= 2 }},
			calls:    []bool{false, true, false},
			want:     StateOpen,
		},
		{
			name:     "store preset trips after three failures in a row",
			settings: StoreSettings(nil),
			calls:    []bool{false, true, false, false, false},
			want:     StateOpen,
		},
		{
			name:     "store preset resets on success",
			settings: StoreSettings(nil),
			calls:    []bool{false, false, true, false, false},
			want:     StateClosed,
		},
		{
			name:     "fetch preset tolerates sporadic failures",
			settings: FetchSettings(nil),
			calls:    []bool{false, false, true, false, false, true},
			want:     StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("test", tt.settings)
			for _, ok := range tt.calls {
				_ = b.Do(context.Background(), outcome(ok))
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerWindowForgetsCounts(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New("audit", StoreSettings(nil)).WithClock(clk.now)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(context.Background(), outcome(false)), errWrite)
	}
	assert.Equal(t, uint32(2), b.Counts().ConsecutiveFailures)

	clk.advance(31 * time.Second)
	require.NoError(t, b.Do(context.Background(), outcome(true)))
	assert.Equal(t, Counts{Requests: 1, TotalSuccesses: 1, ConsecutiveSuccesses: 1}, b.Counts())

	_ = b.Do(context.Background(), outcome(false))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCooldownAndRecovery(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	var transitions []string
	b := New("fetch", Settings{
		MaxRequests: 2,
		Cooldown:    10 * time.Second,
		Trip:        func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "fetch", name)
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}).WithClock(clk.now)

	ctx := context.Background()
	_ = b.Do(ctx, outcome(false))
	_ = b.Do(ctx, outcome(false))
	require.Equal(t, StateOpen, b.State())

	err := b.Do(ctx, outcome(true))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejection(err))

	clk.advance(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(ctx, outcome(true)))
	require.NoError(t, b.Do(ctx, outcome(true)))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New("fetch", Settings{
		MaxRequests: 1,
		Cooldown:    time.Second,
		Trip:        func(c Counts) bool { return true },
	}).WithClock(clk.now)

	ctx := context.Background()
	_ = b.Do(ctx, outcome(false))
	clk.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, b.Do(ctx, outcome(false)), errWrite)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenQuota(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New("fetch", Settings{
		MaxRequests: 1,
		Cooldown:    time.Second,
		Trip:        func(c Counts) bool { return true },
	}).WithClock(clk.now)

	ctx := context.Background()
	_ = b.Do(ctx, outcome(false))
	clk.advance(2 * time.Second)

	// A trial call in flight uses the whole quota
	var inner error
	err := b.Do(ctx, func(ctx context.Context) error {
		inner = b.Do(ctx, outcome(true))
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrTooManyRequests)
	assert.Equal(t, StateClosed, b.State())
}

func TestCallReturnsValue(t *testing.T) {
	b := New("fetch", FetchSettings(nil))

	v, err := Call(context.Background(), b, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// Partial results survive a failure
	v, err = Call(context.Background(), b, func(ctx context.Context) (int, error) { return 3, errWrite })
	assert.ErrorIs(t, err, errWrite)
	assert.False(t, IsRejection(err))
	assert.Equal(t, 3, v)
	assert.Equal(t, uint32(2), b.Counts().Requests)
}

func TestDoSkipsCancelledContext(t *testing.T) {
	b := New("store", StoreSettings(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, Counts{}, b.Counts())
}

func TestPanicCountsAsFailure(t *testing.T) {
	b := New("test", Settings{})

	assert.Panics(t, func() {
		_ = b.Do(context.Background(), func(ctx context.Context) error { panic("boom") })
	})
	assert.Equal(t, uint32(1), b.Counts().TotalFailures)
}
