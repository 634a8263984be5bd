package authapi

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrUserNotFound       = errors.New("user not found")
	ErrServerUnavailable  = errors.New("auth server unavailable")
)

// StatusError carries the HTTP status and the backend's error body
// ({"detail": ..., "code": ...}).
type StatusError struct {
	Status int
	Detail string
	Code   string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("auth api: %d %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("auth api: status %d", e.Status)
}

// Unwrap maps well-known statuses and codes onto sentinel errors so callers
// can use errors.Is without inspecting bodies.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == "user_not_found":
		return ErrUserNotFound
	case e.Status == 401 || e.Status == 403:
		return ErrUnauthorized
	case e.Status >= 500:
		return ErrServerUnavailable
	}
	return nil
}
