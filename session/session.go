package session

import (
	"time"

	"github.com/procurahq/clientsession/identity"
)

// Session is the authoritative authentication state for this process.
// isAuthenticated implies a non-nil User and a refreshable token pair in
// the credential store.
type Session struct {
	User            *identity.User
	Authenticated   bool
	LoggingOut      bool
	LastActivity    time.Time
	ExpiresAt       time.Time // zero when unknown
	RefreshAttempts int
}

// Result reports a logout outcome. Success refers to the server-side
// invalidation only; local state is always cleared.
type Result struct {
	Success  bool
	Username string
}

// Reason tells the login entry point why the user landed there.
type Reason string

const (
	// ReasonTimeout marks an inactivity logout; the entry point can offer
	// return-after-login using the path passed alongside.
	ReasonTimeout Reason = "timeout"

	// ReasonLoggedOut marks a logout initiated by another process.
	ReasonLoggedOut Reason = "logged_out"
)

// Navigator is the facade's redirect contract, implemented by the
// presentation layer. ShowLogin may be a no-op when the login entry point
// is already showing.
type Navigator interface {
	// CurrentPath returns the location to restore after re-login.
	CurrentPath() string

	// ShowLogin navigates to the login entry point. returnTo is the path to
	// offer as a post-login destination; it is advisory.
	ShowLogin(reason Reason, returnTo string)
}

// NopNavigator satisfies Navigator for embedders without a navigation
// concept (headless agents, tests).
type NopNavigator struct{}

func (NopNavigator) CurrentPath() string      { return "" }
func (NopNavigator) ShowLogin(Reason, string) {}
