// Package credentials owns the durable token and session data. Everything
// the process knows about the authenticated user outlives the in-memory
// session through this package.
//
// Failure semantics: malformed or unreadable persisted data is treated as
// absent. No operation returns an error to the caller; a store that cannot
// be read simply reports "not authenticated".
package credentials

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/procurahq/clientsession/identity"
)

const (
	// DefaultInactivityTimeout is the ceiling on the gap between recorded
	// user activity before a session is considered abandoned.
	DefaultInactivityTimeout = 30 * time.Minute

	// DefaultRefreshThreshold is the remaining access-token lifetime under
	// which a proactive refresh is due.
	DefaultRefreshThreshold = 5 * time.Minute
)

// Issues reported by SecurityCheck.
const (
	IssueSessionTimeout        = "session inactive beyond timeout"
	IssueMalformedAccessToken  = "access token is structurally invalid"
	IssueMalformedRefreshToken = "refresh token is structurally invalid"
)

// Check is the result of a security sweep over the persisted record.
type Check struct {
	Secure bool
	Issues []string
}

// SessionInfo is the persisted view of the current session.
type SessionInfo struct {
	User         *identity.User
	LastActivity time.Time
}

// Store reads and writes the credential record on a Backend.
type Store struct {
	backend           Backend
	inactivityTimeout time.Duration
	refreshThreshold  time.Duration
	now               func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithInactivityTimeout overrides the session inactivity ceiling.
func WithInactivityTimeout(d time.Duration) Option {
	return func(s *Store) { s.inactivityTimeout = d }
}

// WithRefreshThreshold overrides the proactive-refresh threshold.
func WithRefreshThreshold(d time.Duration) Option {
	return func(s *Store) { s.refreshThreshold = d }
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over the given backend.
func New(backend Backend, options ...Option) *Store {
	s := &Store{
		backend:           backend,
		inactivityTimeout: DefaultInactivityTimeout,
		refreshThreshold:  DefaultRefreshThreshold,
		now:               time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Backend exposes the underlying medium, used by the sync bus for its
// fallback transport.
func (s *Store) Backend() Backend { return s.backend }

// InactivityTimeout reports the configured inactivity ceiling.
func (s *Store) InactivityTimeout() time.Duration { return s.inactivityTimeout }

// SetAuthTokens stores both tokens, overwriting existing values, and caches
// the access token's expiry claim for fast reads.
func (s *Store) SetAuthTokens(access, refresh string) {
	s.set(KeyAccessToken, access)
	s.set(KeyRefreshToken, refresh)
	s.cacheExpiry(access)
}

// SetAccessToken replaces the access token only. The refresh token is
// retained: the backend does not rotate it on refresh.
func (s *Store) SetAccessToken(access string) {
	s.set(KeyAccessToken, access)
	s.cacheExpiry(access)
}

// SetUserData stores the identity snapshot.
func (s *Store) SetUserData(user *identity.User) {
	if user == nil {
		return
	}
	data, err := json.Marshal(user)
	if err != nil {
		log.Warn().Err(err).Msg("credentials: failed to serialize user snapshot")
		return
	}
	s.set(KeyUser, string(data))
}

// AccessToken returns the stored access token, if any.
func (s *Store) AccessToken() (string, bool) {
	return s.get(KeyAccessToken)
}

// RefreshToken returns the stored refresh token, if any.
func (s *Store) RefreshToken() (string, bool) {
	return s.get(KeyRefreshToken)
}

// UserData returns the stored identity snapshot. A snapshot that fails to
// deserialize is treated as absent.
func (s *Store) UserData() (*identity.User, bool) {
	raw, ok := s.get(KeyUser)
	if !ok {
		return nil, false
	}
	var user identity.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, false
	}
	return &user, true
}

// TimeUntilExpiry returns the remaining lifetime of the access token. The
// expiry is decoded from the token's exp claim; if the token cannot be
// parsed the cached expiry timestamp is used instead. Returns false if
// neither is available. The result may be negative for an expired token.
func (s *Store) TimeUntilExpiry() (time.Duration, bool) {
	raw, ok := s.get(KeyAccessToken)
	if ok {
		if expiry, ok := tokenExpiry(raw); ok {
			return expiry.Sub(s.now()), true
		}
	}
	if stored, ok := s.get(KeyExpiresAt); ok {
		if ms, err := strconv.ParseInt(stored, 10, 64); err == nil {
			return time.UnixMilli(ms).Sub(s.now()), true
		}
	}
	return 0, false
}

// NeedsRefresh reports whether the remaining access-token lifetime has
// fallen under the proactive-refresh threshold. Unknown expiry reads as
// "no refresh due"; the next authenticated call will surface a 401 instead.
func (s *Store) NeedsRefresh() bool {
	remaining, ok := s.TimeUntilExpiry()
	if !ok {
		return false
	}
	return remaining < s.refreshThreshold
}

// HasValidAuthData reports whether both tokens exist and the user snapshot
// deserializes.
func (s *Store) HasValidAuthData() bool {
	if _, ok := s.get(KeyAccessToken); !ok {
		return false
	}
	if _, ok := s.get(KeyRefreshToken); !ok {
		return false
	}
	_, ok := s.UserData()
	return ok
}

// SecurityCheck validates token structural integrity and the session
// inactivity bound. It flags issues without side effects.
func (s *Store) SecurityCheck() Check {
	var issues []string

	if raw, ok := s.get(KeyAccessToken); ok {
		if _, ok := tokenExpiry(raw); !ok {
			issues = append(issues, IssueMalformedAccessToken)
		}
	}
	if raw, ok := s.get(KeyRefreshToken); ok {
		if !structurallyValid(raw) {
			issues = append(issues, IssueMalformedRefreshToken)
		}
	}
	if _, ok := s.lastActivity(); ok && !s.IsSessionActive() {
		issues = append(issues, IssueSessionTimeout)
	}

	return Check{Secure: len(issues) == 0, Issues: issues}
}

// IsSessionActive reports whether activity was recorded within the
// inactivity timeout. The persisted timestamp is shared across processes,
// so activity in any of them counts.
func (s *Store) IsSessionActive() bool {
	last, ok := s.lastActivity()
	if !ok {
		return false
	}
	return s.now().Sub(last) < s.inactivityTimeout
}

// UpdateActivity sets the last-activity timestamp to now.
func (s *Store) UpdateActivity() {
	s.set(KeyLastActivity, strconv.FormatInt(s.now().UnixMilli(), 10))
}

// LastActivity returns the persisted last-activity timestamp.
func (s *Store) LastActivity() (time.Time, bool) {
	return s.lastActivity()
}

// SessionInfo returns the persisted user and activity view, or false if no
// user snapshot exists.
func (s *Store) SessionInfo() (*SessionInfo, bool) {
	user, ok := s.UserData()
	if !ok {
		return nil, false
	}
	info := &SessionInfo{User: user}
	if last, ok := s.lastActivity(); ok {
		info.LastActivity = last
	}
	return info, true
}

// Clear irreversibly deletes all persisted fields.
func (s *Store) Clear() {
	if err := s.backend.Clear(); err != nil {
		log.Warn().Err(err).Msg("credentials: failed to clear auth data")
	}
}

func (s *Store) lastActivity() (time.Time, bool) {
	raw, ok := s.get(KeyLastActivity)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (s *Store) cacheExpiry(access string) {
	expiry, ok := tokenExpiry(access)
	if !ok {
		s.del(KeyExpiresAt)
		return
	}
	s.set(KeyExpiresAt, strconv.FormatInt(expiry.UnixMilli(), 10))
}

func (s *Store) get(key string) (string, bool) {
	value, ok := s.backend.Get(key)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func (s *Store) set(key, value string) {
	if err := s.backend.Set(key, value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("credentials: write failed")
	}
}

func (s *Store) del(key string) {
	if err := s.backend.Delete(key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("credentials: delete failed")
	}
}

var unverifiedParser = jwt.NewParser()

// tokenExpiry decodes the exp claim without verifying the signature. The
// client treats tokens as opaque; decoding is only used for scheduling.
func tokenExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := unverifiedParser.ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// structurallyValid checks the three-segment JWT shape without decoding.
// Refresh tokens carry claims this client never reads.
func structurallyValid(raw string) bool {
	segments := 1
	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			segments++
		}
	}
	return segments == 3
}
