package credentials

// Backend abstracts the persistence medium holding the credential record.
// All values are strings; callers serialize as needed.
//
// Watch registers a change listener that fires for every key written or
// deleted by any process sharing the medium, including this one. Deletions
// are reported with an empty value. The returned stop function removes the
// listener.
type Backend interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Clear() error
	Watch(fn func(key, value string)) (stop func(), err error)
}

// Well-known keys of the credential record.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyLastActivity = "last_activity"
	KeyExpiresAt    = "access_expires_at"

	// KeySyncMarker is the transient key the sync bus uses as its fallback
	// transport. It is written on every broadcast and deleted shortly after.
	KeySyncMarker = "sync_event"
)
