// Package activity tracks user presence and enforces the inactivity
// ceiling. The embedding UI forwards its input events to Record; the
// monitor persists a throttled activity timestamp and keeps a single
// inactivity timer armed. Observation is passive: Record never blocks the
// event that triggered it beyond a timestamp write.
package activity

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/procurahq/clientsession/credentials"
)

// Kind is an interaction event class the monitor accepts. The set mirrors
// what a presentation layer can cheaply observe; all kinds are weighted
// equally.
type Kind string

const (
	KindPointerDown Kind = "pointer_down"
	KindPointerMove Kind = "pointer_move"
	KindKeyDown     Kind = "key_down"
	KindScroll      Kind = "scroll"
	KindTouchStart  Kind = "touch_start"
	KindClick       Kind = "click"
)

// DefaultThrottle is the minimum gap between persisted activity updates.
// Input events arrive far faster than once per window; throttling keeps
// write amplification on the shared medium bounded.
const DefaultThrottle = 30 * time.Second

// TimerFunc arms a single-shot timer and returns its cancel function.
type TimerFunc func(d time.Duration, fn func()) (cancel func())

func defaultTimer(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Monitor arms one inactivity timer and re-arms it on every accepted
// activity update.
type Monitor struct {
	mu          sync.Mutex
	store       *credentials.Store
	timeout     time.Duration
	limiter     *rate.Limiter
	onTimeout   func()
	cancelTimer func()
	running     bool

	now        func() time.Time
	startTimer TimerFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout overrides the inactivity ceiling. It should match the
// credential store's timeout so the fire-time re-check agrees with arming.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithThrottle overrides the activity write throttle window.
func WithThrottle(d time.Duration) Option {
	return func(m *Monitor) { m.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithTimerFunc sets the timer implementation (primarily for testing).
func WithTimerFunc(fn TimerFunc) Option {
	return func(m *Monitor) { m.startTimer = fn }
}

// New creates a stopped Monitor. onTimeout runs when the ceiling is
// reached with no activity recorded by any process sharing the store.
func New(store *credentials.Store, onTimeout func(), options ...Option) *Monitor {
	m := &Monitor{
		store:      store,
		timeout:    store.InactivityTimeout(),
		onTimeout:  onTimeout,
		now:        time.Now,
		startTimer: defaultTimer,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.limiter == nil {
		m.limiter = rate.NewLimiter(rate.Every(DefaultThrottle), 1)
	}
	return m
}

// Start records an initial activity mark and arms the timer. The mark
// counts against the throttle window like any other update.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.running = true
	m.limiter.AllowN(m.now(), 1)
	m.store.UpdateActivity()
	m.armLocked()
	m.mu.Unlock()
}

// Stop cancels the timer. Record becomes a no-op until the next Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.stopTimerLocked()
	m.mu.Unlock()
}

// Running reports whether the monitor is armed.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Record accepts one interaction event. At most one persisted update per
// throttle window is made regardless of event frequency; each accepted
// update re-arms the inactivity timer.
func (m *Monitor) Record(_ Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if !m.limiter.AllowN(m.now(), 1) {
		return
	}
	m.store.UpdateActivity()
	m.armLocked()
}

// fire runs on the timer goroutine. The persisted activity time is
// re-checked here, not trusted from arm time: another process may have
// recorded activity since, in which case this is a false alarm and the
// timer is simply re-armed.
func (m *Monitor) fire() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if m.store.IsSessionActive() {
		m.armLocked()
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancelTimer = nil
	onTimeout := m.onTimeout
	m.mu.Unlock()

	if onTimeout != nil {
		onTimeout()
	}
}

// armLocked must be called with the lock held.
func (m *Monitor) armLocked() {
	m.stopTimerLocked()
	m.cancelTimer = m.startTimer(m.timeout, m.fire)
}

// stopTimerLocked must be called with the lock held.
func (m *Monitor) stopTimerLocked() {
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
}
