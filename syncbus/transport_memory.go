package syncbus

import (
	"context"
	"sync"
)

var _ Transport = (*MemoryTransport)(nil)

// MemoryTransport is an in-process Transport. Bus instances sharing one
// MemoryTransport behave like processes sharing a broadcast channel, which
// makes it useful in tests and in embedders that open several session
// facades inside a single process.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[int]func([]byte)
	nextID int
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[int]func([]byte))}
}

func (t *MemoryTransport) Publish(_ context.Context, payload []byte) error {
	t.mu.RLock()
	subs := make([]func([]byte), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.RUnlock()

	for _, fn := range subs {
		fn(payload)
	}
	return nil
}

func (t *MemoryTransport) Subscribe(fn func(payload []byte)) (func(), error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}, nil
}
