// Package syncbus propagates session lifecycle events to every other client
// process sharing the same credential medium, with best-effort at-least-once
// semantics.
//
// Two transports are used. The primary transport (Redis pub/sub, when the
// deployment has one) is fast but may be unavailable in some execution
// contexts. The fallback rides on the credential backend itself: a transient
// marker key is written on every broadcast, observed through the backend's
// native change notification, and deleted shortly after so a restarted
// process never replays stale events. The same logical event may therefore
// arrive twice; subscribers must be idempotent.
package syncbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/procurahq/clientsession/credentials"
	"github.com/procurahq/clientsession/identity"
	"github.com/procurahq/clientsession/internal/metrics"
)

// DefaultMarkerTTL is how long the fallback marker key lives before
// self-deleting.
const DefaultMarkerTTL = 100 * time.Millisecond

// Transport carries opaque payloads to every subscribed process, including
// the publisher.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(fn func(payload []byte)) (stop func(), err error)
}

// Bus broadcasts and receives Messages.
type Bus struct {
	origin    string
	primary   Transport // nil when no primary transport is configured
	backend   credentials.Backend
	markerTTL time.Duration
	now       func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithPrimary sets the primary transport. Without one the bus runs on the
// storage fallback alone.
func WithPrimary(t Transport) Option {
	return func(b *Bus) { b.primary = t }
}

// WithMarkerTTL overrides the fallback marker lifetime.
func WithMarkerTTL(d time.Duration) Option {
	return func(b *Bus) { b.markerTTL = d }
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a Bus over the credential backend.
func New(backend credentials.Backend, options ...Option) *Bus {
	b := &Bus{
		origin:    uuid.New().String(),
		backend:   backend,
		markerTTL: DefaultMarkerTTL,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Origin returns this instance's identity on the bus.
func (b *Bus) Origin() string { return b.origin }

// Broadcast publishes a message on the primary transport when available and
// unconditionally writes the fallback marker. Transport failures are logged,
// never surfaced: a broadcast that reaches no one degrades to the other
// processes re-reading storage on their next trigger.
func (b *Bus) Broadcast(ctx context.Context, t Type, user *identity.User) {
	msg := Message{
		Type:      t,
		Timestamp: b.now().UnixMilli(),
		Origin:    b.origin,
		User:      user,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Msg("syncbus: failed to encode message")
		return
	}

	if b.primary != nil {
		if err := b.primary.Publish(ctx, payload); err != nil {
			log.Warn().Err(err).Str("type", string(t)).Msg("syncbus: primary publish failed")
		}
	}

	if err := b.backend.Set(credentials.KeySyncMarker, string(payload)); err != nil {
		log.Warn().Err(err).Str("type", string(t)).Msg("syncbus: fallback marker write failed")
		return
	}
	time.AfterFunc(b.markerTTL, func() {
		if err := b.backend.Delete(credentials.KeySyncMarker); err != nil {
			log.Warn().Err(err).Msg("syncbus: marker cleanup failed")
		}
	})
}

// Subscribe registers fn on both transports and returns a single disposer
// removing both. Messages published by this instance are filtered out.
// Malformed payloads are logged and dropped; they never reach fn.
func (b *Bus) Subscribe(fn func(Message)) (func(), error) {
	dispatch := func(payload []byte) {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn().Err(err).Msg("syncbus: dropping malformed message")
			return
		}
		if msg.Type == "" || msg.Origin == b.origin {
			return
		}
		metrics.SyncMessages.WithLabelValues(string(msg.Type)).Inc()
		fn(msg)
	}

	stopFallback, err := b.backend.Watch(func(key, value string) {
		if key != credentials.KeySyncMarker || value == "" {
			return
		}
		dispatch([]byte(value))
	})
	if err != nil {
		return nil, err
	}

	var stopPrimary func()
	if b.primary != nil {
		stopPrimary, err = b.primary.Subscribe(dispatch)
		if err != nil {
			// Degrade to fallback-only rather than failing the subscription.
			log.Warn().Err(err).Msg("syncbus: primary subscribe failed, fallback only")
			stopPrimary = nil
		}
	}

	return func() {
		stopFallback()
		if stopPrimary != nil {
			stopPrimary()
		}
	}, nil
}
