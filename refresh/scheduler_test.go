package refresh_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/procurahq/clientsession/credentials"
	"github.com/procurahq/clientsession/credentials/memorybackend"
	"github.com/procurahq/clientsession/refresh"
)

// fakeTimers records armed timers instead of running them, so tests fire
// them deterministically.
type fakeTimers struct {
	mu    sync.Mutex
	armed []*fakeTimer
}

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (ft *fakeTimers) start(d time.Duration, fn func()) func() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	timer := &fakeTimer{delay: d, fn: fn}
	ft.armed = append(ft.armed, timer)
	return func() {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		timer.cancelled = true
	}
}

// live returns timers that are neither cancelled nor fired.
func (ft *fakeTimers) live() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var live []*fakeTimer
	for _, timer := range ft.armed {
		if !timer.cancelled && !timer.fired {
			live = append(live, timer)
		}
	}
	return live
}

// fire runs the single live timer's callback.
func (ft *fakeTimers) fire(t *testing.T) {
	t.Helper()
	live := ft.live()
	require.Len(t, live, 1, "expected exactly one live timer")
	ft.mu.Lock()
	live[0].fired = true
	ft.mu.Unlock()
	live[0].fn()
}

// scriptedAPI returns queued results in order, repeating the last one.
type scriptedAPI struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
	block   chan struct{} // when set, calls wait for close
}

type scriptedResult struct {
	access string
	err    error
}

func (a *scriptedAPI) RefreshToken(_ context.Context, _ string) (string, string, error) {
	a.mu.Lock()
	a.calls++
	var result scriptedResult
	if len(a.results) > 0 {
		result = a.results[0]
		if len(a.results) > 1 {
			a.results = a.results[1:]
		}
	}
	block := a.block
	a.mu.Unlock()

	if block != nil {
		<-block
	}
	return result.access, "", result.err
}

func (a *scriptedAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func signedToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

type fixture struct {
	store  *credentials.Store
	api    *scriptedAPI
	timers *fakeTimers
}

func newScheduler(t *testing.T, tokenTTL time.Duration, options ...refresh.Option) (*refresh.Scheduler, *fixture) {
	t.Helper()
	f := &fixture{
		store:  credentials.New(memorybackend.New()),
		api:    &scriptedAPI{},
		timers: &fakeTimers{},
	}
	if tokenTTL > 0 {
		f.store.SetAuthTokens(signedToken(t, tokenTTL), signedToken(t, 7*24*time.Hour))
	}
	options = append([]refresh.Option{refresh.WithTimerFunc(f.timers.start)}, options...)
	return refresh.New(f.store, f.api, options...), f
}

func TestDelay(t *testing.T) {
	cfg := refresh.DefaultConfig()

	t.Run("long-lived token refreshes at the buffer point", func(t *testing.T) {
		require.Equal(t, 3300*time.Second, refresh.Delay(3600*time.Second, cfg))
	})

	t.Run("short-lived token shrinks the buffer then hits the floor", func(t *testing.T) {
		// 90s remaining: buffer shrinks to 45s, 90-45=45 < 60s floor.
		require.Equal(t, 60*time.Second, refresh.Delay(90*time.Second, cfg))
	})

	t.Run("never schedules in the past", func(t *testing.T) {
		for _, ttl := range []time.Duration{time.Second, time.Minute, 10 * time.Minute, time.Hour, 24 * time.Hour} {
			delay := refresh.Delay(ttl, cfg)
			require.Greater(t, delay, time.Duration(0))
			require.GreaterOrEqual(t, delay, cfg.MinInterval)
		}
	})

	t.Run("long lifetimes stay below expiry", func(t *testing.T) {
		// Below ~2x the floor the floor dominates and may exceed the
		// remaining lifetime; everything longer must fire before expiry.
		for _, ttl := range []time.Duration{3 * time.Minute, 10 * time.Minute, time.Hour, 24 * time.Hour} {
			require.LessOrEqual(t, refresh.Delay(ttl, cfg), ttl)
		}
	})
}

func TestScheduler_ScheduleArmsOneTimer(t *testing.T) {
	scheduler, f := newScheduler(t, time.Hour)

	scheduler.Schedule()
	require.Equal(t, refresh.StateArmed, scheduler.State())
	require.Len(t, f.timers.live(), 1)
	require.InDelta(t, 55*time.Minute, f.timers.live()[0].delay, float64(2*time.Second))

	// Arming again replaces, never stacks.
	scheduler.Schedule()
	scheduler.Schedule()
	require.Len(t, f.timers.live(), 1)
}

func TestScheduler_NoExpiryStaysIdle(t *testing.T) {
	scheduler, f := newScheduler(t, 0)

	scheduler.Schedule()
	require.Equal(t, refresh.StateIdle, scheduler.State())
	require.Empty(t, f.timers.live())
}

func TestScheduler_FireRefreshesAndRearms(t *testing.T) {
	var notified int
	scheduler, f := newScheduler(t, time.Hour, refresh.WithOnRefreshed(func() { notified++ }))
	newAccess := signedToken(t, time.Hour)
	f.api.results = []scriptedResult{{access: newAccess}}

	scheduler.Schedule()
	f.timers.fire(t)

	require.Equal(t, refresh.StateArmed, scheduler.State())
	require.Equal(t, 0, scheduler.Attempts())
	require.Equal(t, 1, notified)
	require.Len(t, f.timers.live(), 1, "re-armed from the new expiry")

	access, ok := f.store.AccessToken()
	require.True(t, ok)
	require.Equal(t, newAccess, access)

	refreshToken, ok := f.store.RefreshToken()
	require.True(t, ok)
	require.NotEmpty(t, refreshToken, "refresh token is retained, not rotated")
}

func TestScheduler_FailureCountsAttemptsWithoutRetryLoop(t *testing.T) {
	scheduler, f := newScheduler(t, time.Hour)
	f.api.results = []scriptedResult{{err: errors.New("boom")}}

	scheduler.Schedule()
	f.timers.fire(t)

	// Below the limit: back to Armed, but no internal retry timer. The
	// next refresh comes from an external trigger.
	require.Equal(t, refresh.StateArmed, scheduler.State())
	require.Equal(t, 1, scheduler.Attempts())
	require.Empty(t, f.timers.live())
}

func TestScheduler_ExhaustionAfterMaxAttempts(t *testing.T) {
	scheduler, f := newScheduler(t, time.Hour)
	f.api.results = []scriptedResult{{err: errors.New("boom")}}

	for i := 0; i < 3; i++ {
		require.False(t, scheduler.Refresh(context.Background()))
	}

	require.Equal(t, refresh.StateExhausted, scheduler.State())
	require.Equal(t, 3, scheduler.Attempts())
	require.Empty(t, f.timers.live(), "exhausted scheduler must not re-arm")

	// Schedule is a no-op while exhausted.
	scheduler.Schedule()
	require.Equal(t, refresh.StateExhausted, scheduler.State())
	require.Empty(t, f.timers.live())

	// Reset recovers it.
	scheduler.Reset()
	require.Equal(t, refresh.StateIdle, scheduler.State())
	require.Equal(t, 0, scheduler.Attempts())
	scheduler.Schedule()
	require.Equal(t, refresh.StateArmed, scheduler.State())
}

func TestScheduler_ManualRefresh(t *testing.T) {
	t.Run("success resets attempts and re-arms", func(t *testing.T) {
		scheduler, f := newScheduler(t, time.Hour)
		f.api.results = []scriptedResult{
			{err: errors.New("boom")},
			{access: signedToken(t, time.Hour)},
		}

		require.False(t, scheduler.Refresh(context.Background()))
		require.Equal(t, 1, scheduler.Attempts())

		require.True(t, scheduler.Refresh(context.Background()))
		require.Equal(t, 0, scheduler.Attempts())
		require.Equal(t, refresh.StateArmed, scheduler.State())
		require.Len(t, f.timers.live(), 1)
	})

	t.Run("reports false instead of propagating errors", func(t *testing.T) {
		scheduler, f := newScheduler(t, time.Hour)
		f.api.results = []scriptedResult{{err: errors.New("network down")}}
		require.False(t, scheduler.Refresh(context.Background()))
		require.Equal(t, 1, f.api.callCount())
	})

	t.Run("missing refresh token fails without an API call", func(t *testing.T) {
		scheduler, f := newScheduler(t, 0)
		require.False(t, scheduler.Refresh(context.Background()))
		require.Equal(t, 0, f.api.callCount())
	})
}

func TestScheduler_ConcurrentRefreshSuppressed(t *testing.T) {
	scheduler, f := newScheduler(t, time.Hour)
	block := make(chan struct{})
	f.api.block = block
	f.api.results = []scriptedResult{{access: signedToken(t, time.Hour)}}

	first := make(chan bool, 1)
	go func() { first <- scheduler.Refresh(context.Background()) }()

	require.Eventually(t, func() bool {
		return scheduler.State() == refresh.StateRefreshing
	}, time.Second, time.Millisecond)

	// A second refresh while one is in flight is suppressed outright.
	require.False(t, scheduler.Refresh(context.Background()))
	require.Equal(t, 1, f.api.callCount())

	close(block)
	require.True(t, <-first)
	require.Equal(t, refresh.StateArmed, scheduler.State())
}

func TestScheduler_ResetCancelsTimer(t *testing.T) {
	scheduler, f := newScheduler(t, time.Hour)
	scheduler.Schedule()
	require.Len(t, f.timers.live(), 1)

	scheduler.Reset()
	require.Equal(t, refresh.StateIdle, scheduler.State())
	require.Empty(t, f.timers.live())
}

func TestScheduler_ConfigureTakesEffectOnNextArm(t *testing.T) {
	scheduler, f := newScheduler(t, time.Hour)

	scheduler.Configure(refresh.Config{
		Buffer:      10 * time.Minute,
		MinInterval: time.Minute,
		MaxAttempts: 5,
	})
	scheduler.Schedule()

	require.Len(t, f.timers.live(), 1)
	require.InDelta(t, 50*time.Minute, f.timers.live()[0].delay, float64(2*time.Second))
}
