// Package redistransport implements the sync bus primary transport on Redis
// pub/sub. Clients deployed on shared workstations or kiosks point at the
// site's Redis instance; clients without one fall back to storage-based
// sync alone.
package redistransport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/procurahq/clientsession/syncbus"
)

const (
	dialTimeout = 3 * time.Second
	pingTimeout = 2 * time.Second
)

var _ syncbus.Transport = (*Transport)(nil)

// Transport publishes and receives payloads on a single Redis channel.
type Transport struct {
	client  *redis.Client
	channel string
}

// New wraps an existing client.
func New(client *redis.Client, channel string) *Transport {
	return &Transport{client: client, channel: channel}
}

// Dial parses a Redis URL, verifies connectivity, and returns a Transport
// on the given channel.
func Dial(ctx context.Context, redisURL, channel string) (*Transport, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("[redistransport.Dial] invalid URL: %w", err)
	}
	options.DialTimeout = dialTimeout

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("[redistransport.Dial] ping: %w", err)
	}

	return &Transport{client: client, channel: channel}, nil
}

func (t *Transport) Publish(ctx context.Context, payload []byte) error {
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("[redistransport.Publish] %w", err)
	}
	return nil
}

func (t *Transport) Subscribe(fn func(payload []byte)) (func(), error) {
	pubsub := t.client.Subscribe(context.Background(), t.channel)
	// Receive forces the SUBSCRIBE round trip so a broken connection fails
	// here instead of silently dropping messages.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("[redistransport.Subscribe] %w", err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

// Close releases the underlying client. Only call it when the Transport
// owns the client, i.e. it was built with Dial.
func (t *Transport) Close() error {
	return t.client.Close()
}
