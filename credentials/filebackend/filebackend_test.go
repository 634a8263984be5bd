package filebackend_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procurahq/clientsession/credentials/filebackend"
)

func newBackend(t *testing.T) (*filebackend.Backend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	backend, err := filebackend.New(path)
	require.NoError(t, err)
	return backend, path
}

func TestBackend_RoundTrip(t *testing.T) {
	backend, _ := newBackend(t)

	_, ok := backend.Get("access_token")
	require.False(t, ok)

	require.NoError(t, backend.Set("access_token", "abc"))
	require.NoError(t, backend.Set("refresh_token", "def"))

	value, ok := backend.Get("access_token")
	require.True(t, ok)
	require.Equal(t, "abc", value)

	require.NoError(t, backend.Delete("access_token"))
	_, ok = backend.Get("access_token")
	require.False(t, ok)

	value, ok = backend.Get("refresh_token")
	require.True(t, ok)
	require.Equal(t, "def", value)
}

func TestBackend_ClearRemovesFile(t *testing.T) {
	backend, path := newBackend(t)

	require.NoError(t, backend.Set("access_token", "abc"))
	require.FileExists(t, path)

	require.NoError(t, backend.Clear())
	require.NoFileExists(t, path)

	// Clearing an already-empty backend is fine.
	require.NoError(t, backend.Clear())
}

func TestBackend_FileMode(t *testing.T) {
	backend, path := newBackend(t)
	require.NoError(t, backend.Set("access_token", "abc"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestBackend_CorruptFileReadsEmpty(t *testing.T) {
	backend, path := newBackend(t)
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o600))

	_, ok := backend.Get("access_token")
	require.False(t, ok)

	// And writes recover it.
	require.NoError(t, backend.Set("access_token", "abc"))
	value, ok := backend.Get("access_token")
	require.True(t, ok)
	require.Equal(t, "abc", value)
}

func TestBackend_SharedFileBetweenInstances(t *testing.T) {
	_, path := newBackend(t)

	first, err := filebackend.New(path)
	require.NoError(t, err)
	second, err := filebackend.New(path)
	require.NoError(t, err)

	require.NoError(t, first.Set("access_token", "abc"))
	value, ok := second.Get("access_token")
	require.True(t, ok)
	require.Equal(t, "abc", value)
}

func TestBackend_WatchSeesOtherWriters(t *testing.T) {
	backend, path := newBackend(t)

	// A second instance plays the part of another client process.
	writer, err := filebackend.New(path)
	require.NoError(t, err)

	var mu sync.Mutex
	changes := map[string]string{}
	stop, err := backend.Watch(func(key, value string) {
		mu.Lock()
		changes[key] = value
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, writer.Set("sync_event", `{"type":"LOGOUT"}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changes["sync_event"] == `{"type":"LOGOUT"}`
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, writer.Delete("sync_event"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		value, ok := changes["sync_event"]
		return ok && value == ""
	}, 2*time.Second, 10*time.Millisecond)
}
