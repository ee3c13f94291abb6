package backup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAt(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := Open(dir)
	require.NoError(t, err)

	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return m
}

func TestOpenInitialisesAndReopens(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	m := openAt(t, dir)
	assert.DirExists(t, filepath.Join(dir, ".git"))
	assert.Equal(t, dir, m.Dir())

	_, err := m.Snapshot("app", []string{"bash"})
	require.NoError(t, err)

	reopened := openAt(t, dir)
	history, err := reopened.History("app", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHistoryOfEmptyRepository(t *testing.T) {
	m := openAt(t, t.TempDir())

	history, err := m.History("docker", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSnapshotAndHistory(t *testing.T) {
	m := openAt(t, t.TempDir())

	first, err := m.Snapshot("app", []string{"bash", "vim"})
	require.NoError(t, err)
	_, err = m.Snapshot("docker", []string{"web"})
	require.NoError(t, err)
	second, err := m.Snapshot("app", []string{"bash"})
	require.NoError(t, err)

	history, err := m.History("app", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second, history[0].Hash)
	assert.Equal(t, first, history[1].Hash)
	assert.Contains(t, history[0].Message, "Pre-upgrade snapshot of app (1 items)")
	assert.True(t, history[0].When.After(history[1].When))

	limited, err := m.History("app", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second, limited[0].Hash)

	docker, err := m.History("docker", 0)
	require.NoError(t, err)
	assert.Len(t, docker, 1)
}

func TestLoad(t *testing.T) {
	m := openAt(t, t.TempDir())

	hash, err := m.Snapshot("podman", nil)
	require.NoError(t, err)

	s, err := m.Load("podman", hash)
	require.NoError(t, err)
	assert.Equal(t, "podman", s.Backend)
	assert.NotNil(t, s.Items)
	assert.Empty(t, s.Items)

	_, err = m.Load("app", hash)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestSnapshotRequiresBackend(t *testing.T) {
	m := openAt(t, t.TempDir())

	_, err := m.Snapshot("", []string{"x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestLazyOpensOnFirstSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lazy")
	l := NewLazy(dir)
	assert.NoDirExists(t, dir)

	hash, err := l.Snapshot("app", []string{"bash"})
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	m, err := l.Manager()
	require.NoError(t, err)
	history, err := m.History("app", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
