// Package filebackend persists the credential record as a single JSON
// document on disk. Concurrent client processes share the file; fsnotify
// supplies the cross-process change notification the sync bus fallback
// transport rides on, the way browser storage events ride on localStorage.
package filebackend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/procurahq/clientsession/credentials"
)

var _ credentials.Backend = (*Backend)(nil)

// Backend stores key/value pairs in one JSON file. Writes are atomic
// (temp file + rename) and the file is created with 0600: it holds tokens.
type Backend struct {
	mu   sync.Mutex
	path string
}

// New creates a Backend at the given path, creating parent directories as
// needed.
func New(path string) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("[filebackend.New] mkdir: %w", err)
	}
	return &Backend{path: path}, nil
}

// Path returns the backing file location.
func (b *Backend) Path() string { return b.path }

func (b *Backend) Get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record := b.load()
	value, ok := record[key]
	return value, ok
}

func (b *Backend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	record := b.load()
	record[key] = value
	return b.save(record)
}

func (b *Backend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	record := b.load()
	if _, ok := record[key]; !ok {
		return nil
	}
	delete(record, key)
	return b.save(record)
}

func (b *Backend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("[filebackend.Clear] remove: %w", err)
	}
	return nil
}

// Watch reports key changes made by any process writing the file. Each
// change event reloads the document and diffs it against the previously
// seen snapshot; deleted keys are reported with an empty value.
func (b *Backend) Watch(fn func(key, value string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("[filebackend.Watch] fsnotify: %w", err)
	}
	// Watch the directory, not the file: atomic renames replace the inode.
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("[filebackend.Watch] add: %w", err)
	}

	b.mu.Lock()
	seen := b.load()
	b.mu.Unlock()

	go func() {
		base := filepath.Base(b.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
					!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
					continue
				}
				b.mu.Lock()
				current := b.load()
				b.mu.Unlock()
				for key, value := range current {
					if prev, ok := seen[key]; !ok || prev != value {
						fn(key, value)
					}
				}
				for key := range seen {
					if _, ok := current[key]; !ok {
						fn(key, "")
					}
				}
				seen = current
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("filebackend: watch error")
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// load must be called with the lock held. A missing or corrupt file reads
// as an empty record.
func (b *Backend) load() map[string]string {
	record := map[string]string{}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return record
	}
	if err := json.Unmarshal(data, &record); err != nil {
		log.Warn().Err(err).Str("path", b.path).Msg("filebackend: corrupt record, treating as empty")
		return map[string]string{}
	}
	return record
}

// save must be called with the lock held.
func (b *Backend) save(record map[string]string) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("[filebackend.save] marshal: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("[filebackend.save] write: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("[filebackend.save] rename: %w", err)
	}
	return nil
}
