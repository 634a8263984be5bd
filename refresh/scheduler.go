// Package refresh proactively renews the access token before it expires.
//
// The scheduler is a small state machine:
//
//	Idle -> Armed -> Refreshing -> (Armed | Exhausted)
//
// At most one timer is armed per scheduler; arming always cancels the
// previous timer first. A refresh failure below the attempt limit does not
// start an internal retry loop: the next external trigger (a 401 on an API
// call, or a rehydration pass) retries instead. Past the limit the
// scheduler parks in Exhausted and stays there until Reset.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/procurahq/clientsession/credentials"
	"github.com/procurahq/clientsession/internal/metrics"
)

// State of the scheduler.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateRefreshing
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRefreshing:
		return "refreshing"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// API is the remote refresh endpoint. A non-empty newRefresh means the
// server rotated the refresh token; the default backend does not, but a
// rotated token is adopted rather than discarded.
type API interface {
	RefreshToken(ctx context.Context, refreshToken string) (access, newRefresh string, err error)
}

// Config is the scheduling policy. Changes take effect on the next (re)arm.
type Config struct {
	// Buffer is how long before expiry the refresh should fire. For tokens
	// shorter than twice the buffer it shrinks to half the remaining
	// lifetime so the fire time never lands in the past.
	Buffer time.Duration

	// MinInterval is the floor under the computed delay.
	MinInterval time.Duration

	// MaxAttempts is the number of consecutive failures tolerated before
	// the scheduler gives up.
	MaxAttempts int
}

// DefaultConfig matches a backend issuing 60-minute access tokens.
func DefaultConfig() Config {
	return Config{
		Buffer:      5 * time.Minute,
		MinInterval: time.Minute,
		MaxAttempts: 3,
	}
}

// Delay computes when a token with the given remaining lifetime should be
// refreshed: the buffer point before expiry, never less than the floor, with
// the buffer shrinking for short-lived tokens.
func Delay(timeUntilExpiry time.Duration, cfg Config) time.Duration {
	buffer := cfg.Buffer
	if half := timeUntilExpiry / 2; buffer > half {
		buffer = half
	}
	delay := timeUntilExpiry - buffer
	if delay < cfg.MinInterval {
		delay = cfg.MinInterval
	}
	return delay
}

// TimerFunc arms a single-shot timer and returns its cancel function.
type TimerFunc func(d time.Duration, fn func()) (cancel func())

func defaultTimer(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Scheduler renews the access token held by a credential store.
type Scheduler struct {
	mu          sync.Mutex
	store       *credentials.Store
	api         API
	cfg         Config
	state       State
	attempts    int
	cancelTimer func()

	onRefreshed func() // invoked outside the lock after a successful refresh
	startTimer  TimerFunc
	callTimeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig sets the initial policy.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithOnRefreshed registers a hook run after every successful refresh,
// after the new token is persisted and the next timer armed.
func WithOnRefreshed(fn func()) Option {
	return func(s *Scheduler) { s.onRefreshed = fn }
}

// WithTimerFunc sets the timer implementation (primarily for testing).
func WithTimerFunc(fn TimerFunc) Option {
	return func(s *Scheduler) { s.startTimer = fn }
}

// WithCallTimeout bounds the refresh network call made from the timer.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.callTimeout = d }
}

// New creates an idle Scheduler.
func New(store *credentials.Store, api API, options ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		api:         api,
		cfg:         DefaultConfig(),
		state:       StateIdle,
		startTimer:  defaultTimer,
		callTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive-failure count.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Configure replaces the policy. It takes effect on the next (re)arm; an
// already armed timer keeps its fire time.
func (s *Scheduler) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Schedule arms the refresh timer from the store's current token expiry.
// Any previously armed timer is cancelled first. Without a readable expiry
// the scheduler stays idle. An exhausted scheduler is not re-armed; call
// Reset first.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExhausted || s.state == StateRefreshing {
		return
	}

	remaining, ok := s.store.TimeUntilExpiry()
	if !ok {
		s.stopTimerLocked()
		s.state = StateIdle
		return
	}

	delay := Delay(remaining, s.cfg)
	s.stopTimerLocked()
	s.cancelTimer = s.startTimer(delay, s.fire)
	s.state = StateArmed
	log.Debug().Dur("delay", delay).Msg("refresh: timer armed")
}

// Refresh performs a refresh immediately, regardless of scheduler state.
// It reports success and never panics or propagates an error; callers in
// UI code treat false as "retry via the next 401". A refresh already in
// flight suppresses this one.
func (s *Scheduler) Refresh(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == StateRefreshing {
		s.mu.Unlock()
		return false
	}
	s.state = StateRefreshing
	s.mu.Unlock()

	return s.doRefresh(ctx)
}

// Reset cancels any armed timer, zeroes the attempt count, and returns to
// Idle. Logout and teardown both land here.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.attempts = 0
	s.state = StateIdle
}

// fire runs on the timer goroutine.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.state != StateArmed {
		// Reset or a concurrent refresh won the race.
		s.mu.Unlock()
		return
	}
	s.state = StateRefreshing
	s.cancelTimer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()
	s.doRefresh(ctx)
}

// doRefresh is entered with state == StateRefreshing held by this caller.
func (s *Scheduler) doRefresh(ctx context.Context) bool {
	refreshToken, ok := s.store.RefreshToken()
	if !ok {
		s.settle(false)
		return false
	}

	access, newRefresh, err := s.api.RefreshToken(ctx, refreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh: token refresh failed")
		s.settle(false)
		return false
	}

	if newRefresh != "" && newRefresh != refreshToken {
		s.store.SetAuthTokens(access, newRefresh)
	} else {
		s.store.SetAccessToken(access)
	}
	s.settle(true)
	return true
}

// settle records the outcome, transitions out of Refreshing, and re-arms
// after success.
func (s *Scheduler) settle(success bool) {
	var notify func()

	s.mu.Lock()
	if success {
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		s.attempts = 0
		remaining, ok := s.store.TimeUntilExpiry()
		if ok {
			s.stopTimerLocked()
			s.cancelTimer = s.startTimer(Delay(remaining, s.cfg), s.fire)
			s.state = StateArmed
		} else {
			s.state = StateIdle
		}
		notify = s.onRefreshed
	} else {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		s.attempts++
		if s.attempts >= s.cfg.MaxAttempts {
			s.stopTimerLocked()
			s.state = StateExhausted
			log.Warn().Int("attempts", s.attempts).Msg("refresh: attempt limit reached, giving up")
		} else {
			// Stay armed conceptually; the retry comes from the next
			// external trigger rather than an internal backoff loop.
			s.state = StateArmed
		}
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// stopTimerLocked must be called with the lock held.
func (s *Scheduler) stopTimerLocked() {
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
}
