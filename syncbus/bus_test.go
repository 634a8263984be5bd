package syncbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procurahq/clientsession/credentials"
	"github.com/procurahq/clientsession/credentials/memorybackend"
	"github.com/procurahq/clientsession/identity"
	"github.com/procurahq/clientsession/syncbus"
)

// collector accumulates delivered messages race-safely.
type collector struct {
	mu       sync.Mutex
	messages []syncbus.Message
}

func (c *collector) collect(msg syncbus.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

func (c *collector) all() []syncbus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]syncbus.Message(nil), c.messages...)
}

func TestBus_RoundTripBetweenInstances(t *testing.T) {
	backend := memorybackend.New()
	sender := syncbus.New(backend)
	receiver := syncbus.New(backend)

	received := &collector{}
	stop, err := receiver.Subscribe(received.collect)
	require.NoError(t, err)
	defer stop()

	user := &identity.User{ID: 7, Username: "j.doe", Email: "j.doe@example.com"}
	sender.Broadcast(context.Background(), syncbus.TypeLogin, user)

	require.Eventually(t, func() bool {
		return len(received.all()) >= 1
	}, time.Second, 5*time.Millisecond)

	msg := received.all()[0]
	require.Equal(t, syncbus.TypeLogin, msg.Type)
	require.Equal(t, sender.Origin(), msg.Origin)
	require.NotNil(t, msg.User)
	require.Equal(t, *user, *msg.User)
	require.NotZero(t, msg.Timestamp)
}

func TestBus_DoesNotDeliverToSelf(t *testing.T) {
	backend := memorybackend.New()
	transport := syncbus.NewMemoryTransport()
	bus := syncbus.New(backend, syncbus.WithPrimary(transport))

	received := &collector{}
	stop, err := bus.Subscribe(received.collect)
	require.NoError(t, err)
	defer stop()

	bus.Broadcast(context.Background(), syncbus.TypeLogout, nil)

	// The memory transport echoes to the publisher and the fallback marker
	// is observed in-process too; both copies must be filtered.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, received.all())
}

func TestBus_PrimaryAndFallbackMayBothDeliver(t *testing.T) {
	backend := memorybackend.New()
	transport := syncbus.NewMemoryTransport()
	sender := syncbus.New(backend, syncbus.WithPrimary(transport))
	receiver := syncbus.New(backend, syncbus.WithPrimary(transport))

	received := &collector{}
	stop, err := receiver.Subscribe(received.collect)
	require.NoError(t, err)
	defer stop()

	sender.Broadcast(context.Background(), syncbus.TypeTokenRefresh, nil)

	require.Eventually(t, func() bool {
		return len(received.all()) >= 1
	}, time.Second, 5*time.Millisecond)

	// Dual transport means one logical event may arrive once or twice, and
	// every copy is well-formed. Consumers are expected to be idempotent.
	for _, msg := range received.all() {
		require.Equal(t, syncbus.TypeTokenRefresh, msg.Type)
	}
	require.LessOrEqual(t, len(received.all()), 2)
}

func TestBus_MarkerSelfDeletes(t *testing.T) {
	backend := memorybackend.New()
	bus := syncbus.New(backend, syncbus.WithMarkerTTL(10*time.Millisecond))

	bus.Broadcast(context.Background(), syncbus.TypeLogin, nil)

	_, ok := backend.Get(credentials.KeySyncMarker)
	require.True(t, ok, "marker should exist immediately after broadcast")

	require.Eventually(t, func() bool {
		_, ok := backend.Get(credentials.KeySyncMarker)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestBus_MalformedFallbackPayloadIsSwallowed(t *testing.T) {
	backend := memorybackend.New()
	bus := syncbus.New(backend)

	received := &collector{}
	stop, err := bus.Subscribe(received.collect)
	require.NoError(t, err)
	defer stop()

	// Another process wrote junk into the marker key. Must not panic and
	// must not reach the subscriber.
	require.NoError(t, backend.Set(credentials.KeySyncMarker, "{definitely not json"))
	require.NoError(t, backend.Set(credentials.KeySyncMarker, `{"weird":"but-typeless"}`))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, received.all())
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	backend := memorybackend.New()
	sender := syncbus.New(backend)
	receiver := syncbus.New(backend)

	received := &collector{}
	stop, err := receiver.Subscribe(received.collect)
	require.NoError(t, err)

	sender.Broadcast(context.Background(), syncbus.TypeLogin, nil)
	require.Eventually(t, func() bool {
		return len(received.all()) == 1
	}, time.Second, 5*time.Millisecond)

	stop()
	sender.Broadcast(context.Background(), syncbus.TypeLogout, nil)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, received.all(), 1)
}
