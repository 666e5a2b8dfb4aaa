// ABOUTME: Tests for the simulated agent's in-memory filesystem.
// ABOUTME: Covers parent creation, listings, recursive removal and denied paths.

package agentsim

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemFS(t *testing.T) {
	m := NewMemFS()

	t.Run("write creates parents", func(t *testing.T) {
		require.NoError(t, m.WriteFile("/srv/app/config.yaml", []byte("a: 1")))
		assert.True(t, m.IsDir("/srv"))
		assert.True(t, m.IsDir("/srv/app"))

		data, err := m.ReadFile("/srv/app/config.yaml")
		require.NoError(t, err)
		assert.Equal(t, "a: 1", string(data))
	})

	t.Run("list sorts and classifies", func(t *testing.T) {
		require.NoError(t, m.Mkdir("/srv/app/logs"))
		entries, err := m.List("/srv/app")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "config.yaml", entries[0].Name)
		assert.False(t, entries[0].IsDir)
		assert.Equal(t, int64(4), entries[0].Size)
		assert.Equal(t, "logs", entries[1].Name)
		assert.True(t, entries[1].IsDir)
	})

	t.Run("missing paths", func(t *testing.T) {
		_, err := m.ReadFile("/nope")
		assert.ErrorIs(t, err, fs.ErrNotExist)
		_, err = m.List("/nope")
		assert.ErrorIs(t, err, fs.ErrNotExist)
		assert.ErrorIs(t, m.Remove("/nope"), fs.ErrNotExist)
	})

	t.Run("remove directory tree", func(t *testing.T) {
		require.NoError(t, m.Remove("/srv/app"))
		assert.False(t, m.IsDir("/srv/app"))
		_, err := m.ReadFile("/srv/app/config.yaml")
		assert.ErrorIs(t, err, fs.ErrNotExist)
		assert.True(t, m.IsDir("/srv"))
	})

	t.Run("denied prefix", func(t *testing.T) {
		m.Deny("/root")
		assert.ErrorIs(t, m.WriteFile("/root/.ssh/keys", nil), fs.ErrPermission)
		_, err := m.List("/root")
		assert.ErrorIs(t, err, fs.ErrPermission)
		require.NoError(t, m.WriteFile("/rootless", []byte("ok")))
	})
}
