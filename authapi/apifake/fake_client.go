package apifake

import (
	"context"
	"errors"
	"sync"

	"github.com/procurahq/clientsession/authapi"
	"github.com/procurahq/clientsession/identity"
)

// FakeClient is an in-memory stand-in for the auth API. Zero value
// behaviour: every call fails; configure the fields to script outcomes.
type FakeClient struct {
	mu sync.Mutex

	Credentials *authapi.Credentials // returned by Login when LoginErr is nil
	LoginErr    error

	AccessToken string // returned by RefreshToken when RefreshErr is nil
	RefreshErr  error

	LogoutErr   error
	LogoutBlock chan struct{} // when set, Logout waits for ctx or channel close

	User    *identity.User
	UserErr error

	LoginCalls   int
	RefreshCalls int
	LogoutCalls  int
	UserCalls    int
}

func New() *FakeClient {
	return &FakeClient{}
}

func (f *FakeClient) Login(_ context.Context, _, _ string) (*authapi.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoginCalls++
	if f.LoginErr != nil {
		return nil, f.LoginErr
	}
	if f.Credentials == nil {
		return nil, errors.New("fake: no credentials configured")
	}
	creds := *f.Credentials
	return &creds, nil
}

func (f *FakeClient) RefreshToken(_ context.Context, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshCalls++
	if f.RefreshErr != nil {
		return "", "", f.RefreshErr
	}
	if f.AccessToken == "" {
		return "", "", errors.New("fake: no access token configured")
	}
	return f.AccessToken, "", nil
}

func (f *FakeClient) Logout(ctx context.Context, _, _ string) error {
	f.mu.Lock()
	f.LogoutCalls++
	block := f.LogoutBlock
	err := f.LogoutErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *FakeClient) CurrentUser(_ context.Context, _ string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UserCalls++
	if f.UserErr != nil {
		return nil, f.UserErr
	}
	if f.User == nil {
		return nil, errors.New("fake: no user configured")
	}
	user := *f.User
	return &user, nil
}

// Calls returns the per-endpoint call counts in a race-safe way.
func (f *FakeClient) Calls() (login, refresh, logout, user int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoginCalls, f.RefreshCalls, f.LogoutCalls, f.UserCalls
}
