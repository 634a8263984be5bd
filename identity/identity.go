// Package identity holds the user snapshot shared between the credential
// store, the sync bus and the session facade. The snapshot is opaque to the
// session core: it is whatever the auth API returned at login.
package identity

// User is the identity snapshot attached to a session.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role,omitempty"`
}
