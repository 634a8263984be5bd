// Package memorybackend provides an in-memory credential Backend. Multiple
// stores and buses sharing one instance behave like browser tabs sharing
// origin storage, which makes it the backend of choice for tests and for
// single-process embedders that do not want credentials on disk.
package memorybackend

import (
	"sync"

	"github.com/procurahq/clientsession/credentials"
)

var _ credentials.Backend = (*Backend)(nil)

type Backend struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers map[int]func(key, value string)
	nextID   int
}

func New() *Backend {
	return &Backend{
		values:   make(map[string]string),
		watchers: make(map[int]func(key, value string)),
	}
}

func (b *Backend) Get(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.values[key]
	return value, ok
}

func (b *Backend) Set(key, value string) error {
	b.mu.Lock()
	b.values[key] = value
	watchers := b.snapshotWatchers()
	b.mu.Unlock()

	for _, fn := range watchers {
		fn(key, value)
	}
	return nil
}

func (b *Backend) Delete(key string) error {
	b.mu.Lock()
	_, existed := b.values[key]
	delete(b.values, key)
	watchers := b.snapshotWatchers()
	b.mu.Unlock()

	if existed {
		for _, fn := range watchers {
			fn(key, "")
		}
	}
	return nil
}

func (b *Backend) Clear() error {
	b.mu.Lock()
	keys := make([]string, 0, len(b.values))
	for key := range b.values {
		keys = append(keys, key)
	}
	b.values = make(map[string]string)
	watchers := b.snapshotWatchers()
	b.mu.Unlock()

	for _, key := range keys {
		for _, fn := range watchers {
			fn(key, "")
		}
	}
	return nil
}

func (b *Backend) Watch(fn func(key, value string)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.watchers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}, nil
}

// snapshotWatchers must be called with the lock held.
func (b *Backend) snapshotWatchers() []func(key, value string) {
	watchers := make([]func(key, value string), 0, len(b.watchers))
	for _, fn := range b.watchers {
		watchers = append(watchers, fn)
	}
	return watchers
}
