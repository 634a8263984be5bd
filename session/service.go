// Package session is the process-wide authentication facade. It composes
// the credential store, the cross-process sync bus, the refresh scheduler
// and the activity monitor into one lifecycle, and is the only package the
// presentation layer talks to.
//
// Error policy: Login is the single operation that propagates an error to
// its caller; every other operation degrades to a safe unauthenticated or
// logged-out state, because it frequently runs from timers and bus
// callbacks with no UI unwind path.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/procurahq/clientsession/activity"
	"github.com/procurahq/clientsession/authapi"
	"github.com/procurahq/clientsession/credentials"
	"github.com/procurahq/clientsession/identity"
	"github.com/procurahq/clientsession/internal/metrics"
	"github.com/procurahq/clientsession/refresh"
	"github.com/procurahq/clientsession/syncbus"
)

// DefaultLogoutTimeout bounds the best-effort server-side token
// invalidation so a slow or unreachable server can never block logout.
const DefaultLogoutTimeout = 2 * time.Second

// API is the remote auth collaborator, satisfied by *authapi.Client.
type API interface {
	Login(ctx context.Context, username, password string) (*authapi.Credentials, error)
	RefreshToken(ctx context.Context, refreshToken string) (access, newRefresh string, err error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	CurrentUser(ctx context.Context, accessToken string) (*identity.User, error)
}

// Deps are the injected collaborators. All are required except Navigator,
// which defaults to NopNavigator.
type Deps struct {
	API       API
	Store     *credentials.Store
	Bus       *syncbus.Bus
	Navigator Navigator
}

// Service owns the session lifecycle for one client process.
type Service struct {
	api   API
	store *credentials.Store
	bus   *syncbus.Bus
	nav   Navigator
	log   zerolog.Logger

	scheduler *refresh.Scheduler
	monitor   *activity.Monitor

	logoutTimeout    time.Duration
	unsubscribe      func()
	schedulerOptions []refresh.Option
	monitorOptions   []activity.Option

	stateMu sync.Mutex
	session Session
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a logger; the global zerolog logger is used
// otherwise.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.log = logger }
}

// WithLogoutTimeout overrides the server-logout bound.
func WithLogoutTimeout(d time.Duration) Option {
	return func(s *Service) { s.logoutTimeout = d }
}

// WithSchedulerOptions passes options through to the internal refresh
// scheduler (timer and policy injection for tests).
func WithSchedulerOptions(options ...refresh.Option) Option {
	return func(s *Service) { s.schedulerOptions = options }
}

// WithMonitorOptions passes options through to the internal activity
// monitor.
func WithMonitorOptions(options ...activity.Option) Option {
	return func(s *Service) { s.monitorOptions = options }
}

// New wires a Service and subscribes it to the sync bus. Callers must
// Close it to release the subscription and timers.
func New(deps Deps, options ...Option) (*Service, error) {
	if deps.API == nil {
		return nil, errors.New("[session.New] API is required")
	}
	if deps.Store == nil {
		return nil, errors.New("[session.New] Store is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("[session.New] Bus is required")
	}
	if deps.Navigator == nil {
		deps.Navigator = NopNavigator{}
	}

	s := &Service{
		api:           deps.API,
		store:         deps.Store,
		bus:           deps.Bus,
		nav:           deps.Navigator,
		log:           log.Logger,
		logoutTimeout: DefaultLogoutTimeout,
	}
	for _, opt := range options {
		opt(s)
	}

	schedulerOptions := append([]refresh.Option{refresh.WithOnRefreshed(s.onRefreshed)}, s.schedulerOptions...)
	s.scheduler = refresh.New(deps.Store, deps.API, schedulerOptions...)
	s.monitor = activity.New(deps.Store, s.onInactivityTimeout, s.monitorOptions...)

	unsubscribe, err := s.bus.Subscribe(s.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("[session.New] bus subscribe: %w", err)
	}
	s.unsubscribe = unsubscribe

	return s, nil
}

// Login authenticates against the remote endpoint. On success the tokens
// and user snapshot are persisted, both timers armed, and LOGIN broadcast
// to the other processes. On failure state stays unauthenticated and the
// error is returned for the UI to display.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	creds, err := s.api.Login(ctx, username, password)
	if err != nil {
		return Session{}, fmt.Errorf("[Login] %w", err)
	}

	s.store.SetAuthTokens(creds.Access, creds.Refresh)
	s.store.SetUserData(&creds.User)

	s.scheduler.Reset()
	s.scheduler.Schedule()
	s.monitor.Start()

	s.bus.Broadcast(ctx, syncbus.TypeLogin, &creds.User)

	user := creds.User
	s.setState(Session{User: &user, Authenticated: true})
	s.log.Info().Str("username", user.Username).Msg("session: login")
	return s.Snapshot(), nil
}

// Logout ends the session. Local cleanup — timers, persisted credentials,
// LOGOUT broadcast — happens unconditionally; the server-side invalidation
// is fire-and-forget, bounded by the logout timeout, and only influences
// the reported Success.
func (s *Service) Logout(ctx context.Context) Result {
	s.stateMu.Lock()
	if s.session.LoggingOut {
		s.stateMu.Unlock()
		return Result{}
	}
	s.session.LoggingOut = true
	s.stateMu.Unlock()

	var username string
	if user, ok := s.store.UserData(); ok {
		username = user.Username
	}

	s.scheduler.Reset()
	s.monitor.Stop()

	success := s.serverLogout()

	s.store.Clear()
	s.bus.Broadcast(ctx, syncbus.TypeLogout, nil)
	s.setState(Session{})

	s.log.Info().Str("username", username).Bool("server_ack", success).Msg("session: logout")
	return Result{Success: success, Username: username}
}

// serverLogout attempts the remote invalidation. The call runs against a
// detached context so a cancelled caller cannot skip it, and races the
// logout timeout so it can never stall local cleanup.
func (s *Service) serverLogout() bool {
	refreshToken, ok := s.store.RefreshToken()
	if !ok {
		return false
	}
	accessToken, _ := s.store.AccessToken()

	ctx, cancel := context.WithTimeout(context.Background(), s.logoutTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.api.Logout(ctx, accessToken, refreshToken) }()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn().Err(err).Msg("session: server logout failed, local cleanup proceeds")
			return false
		}
		return true
	case <-ctx.Done():
		s.log.Warn().Msg("session: server logout timed out, local cleanup proceeds")
		return false
	}
}

// CheckAuth is the idempotent rehydration entry point, run at startup and
// on cross-process LOGIN and TOKEN_REFRESH events. It never returns an
// error: every failure path settles into a safe state instead.
func (s *Service) CheckAuth(ctx context.Context) {
	check := s.store.SecurityCheck()
	if !check.Secure {
		s.log.Warn().Strs("issues", check.Issues).Msg("session: security check failed, forcing logout")
		s.Logout(ctx)
		return
	}

	if !s.store.HasValidAuthData() && !s.rehydrateUser(ctx) {
		// Nothing persisted: a normal signed-out state, not a failure.
		s.setState(Session{})
		return
	}

	if s.store.NeedsRefresh() {
		if !s.scheduler.Refresh(ctx) {
			s.setState(Session{})
			return
		}
	}

	user, ok := s.store.UserData()
	if !ok {
		s.setState(Session{})
		return
	}

	// Healthy persisted state: adopt it and re-arm both timers. An
	// exhausted scheduler is reset here because the tokens it gave up on
	// have been replaced or revalidated.
	s.scheduler.Reset()
	s.scheduler.Schedule()
	if !s.monitor.Running() {
		s.monitor.Start()
	}

	s.setState(Session{User: user, Authenticated: true})
}

// rehydrateUser repairs a missing or corrupt user snapshot from the API
// when both tokens are still present.
func (s *Service) rehydrateUser(ctx context.Context) bool {
	accessToken, ok := s.store.AccessToken()
	if !ok {
		return false
	}
	if _, ok := s.store.RefreshToken(); !ok {
		return false
	}
	user, err := s.api.CurrentUser(ctx, accessToken)
	if err != nil {
		s.log.Debug().Err(err).Msg("session: user snapshot rehydration failed")
		return false
	}
	s.store.SetUserData(user)
	return true
}

// RecordActivity forwards one interaction event to the activity monitor.
func (s *Service) RecordActivity(kind activity.Kind) {
	s.monitor.Record(kind)
}

// Snapshot returns the current session with derived fields (activity,
// expiry, attempt count) read live.
func (s *Service) Snapshot() Session {
	s.stateMu.Lock()
	snapshot := s.session
	s.stateMu.Unlock()

	if last, ok := s.store.LastActivity(); ok {
		snapshot.LastActivity = last
	}
	if remaining, ok := s.store.TimeUntilExpiry(); ok {
		snapshot.ExpiresAt = time.Now().Add(remaining)
	}
	snapshot.RefreshAttempts = s.scheduler.Attempts()
	return snapshot
}

// Close releases the bus subscription and stops both timers. Persisted
// credentials are left in place: closing a window is not a logout.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.scheduler.Reset()
	s.monitor.Stop()
}

// Scheduler exposes the refresh scheduler for manual refresh (e.g. the API
// layer's 401 handler).
func (s *Service) Scheduler() *refresh.Scheduler { return s.scheduler }

// onRefreshed runs after every successful scheduled or manual refresh.
func (s *Service) onRefreshed() {
	s.bus.Broadcast(context.Background(), syncbus.TypeTokenRefresh, nil)
}

// onInactivityTimeout runs when the activity monitor confirms inactivity
// against the persisted, cross-process activity time.
func (s *Service) onInactivityTimeout() {
	metrics.ForcedLogouts.WithLabelValues("timeout").Inc()
	returnTo := s.nav.CurrentPath()
	s.log.Info().Str("return_to", returnTo).Msg("session: inactivity timeout")
	s.Logout(context.Background())
	s.nav.ShowLogin(ReasonTimeout, returnTo)
}

// handleMessage reacts to the other processes' lifecycle events. Handling
// is idempotent: the dual-transport bus may deliver one logical event
// twice.
func (s *Service) handleMessage(msg syncbus.Message) {
	switch msg.Type {
	case syncbus.TypeLogin, syncbus.TypeTokenRefresh:
		s.CheckAuth(context.Background())
	case syncbus.TypeLogout:
		s.handleRemoteLogout()
	default:
		s.log.Debug().Str("type", string(msg.Type)).Msg("session: ignoring unknown sync message")
	}
}

// handleRemoteLogout clears local state without re-invoking the remote
// endpoint: the process that initiated the logout already did.
func (s *Service) handleRemoteLogout() {
	metrics.ForcedLogouts.WithLabelValues("remote").Inc()
	s.scheduler.Reset()
	s.monitor.Stop()
	s.store.Clear()
	s.setState(Session{})
	s.nav.ShowLogin(ReasonLoggedOut, s.nav.CurrentPath())
}

func (s *Service) setState(session Session) {
	s.stateMu.Lock()
	s.session = session
	s.stateMu.Unlock()
}
