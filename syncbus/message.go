package syncbus

import (
	"github.com/procurahq/clientsession/identity"
)

// Type identifies the session lifecycle event a message carries.
type Type string

const (
	TypeLogin        Type = "LOGIN"
	TypeLogout       Type = "LOGOUT"
	TypeTokenRefresh Type = "TOKEN_REFRESH"
)

// Message is the unit exchanged between client processes. Timestamp is
// informational only: delivery is unordered and possibly duplicated across
// the two transports, so consumers must handle messages idempotently.
type Message struct {
	Type      Type           `json:"type"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Origin    string         `json:"origin"`    // publishing instance, used to skip self-delivery
	User      *identity.User `json:"user,omitempty"`
}
