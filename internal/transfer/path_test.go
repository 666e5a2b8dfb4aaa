package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name string
		os   string
		cwd  string
		path string
		want string
	}{
		{"posix relative", "Linux", "/home/ops", "notes.txt", "/home/ops/notes.txt"},
		{"posix parent", "Linux", "/home/ops", "../shared/a", "/home/shared/a"},
		{"posix absolute", "Darwin", "/home/ops", "/etc//hosts", "/etc/hosts"},
		{"posix empty is cwd", "Linux", "/srv", "", "/srv"},
		{"windows relative", "Windows 10", `C:\Users\ops`, "notes.txt", `C:\Users\ops\notes.txt`},
		{"windows forward slashes", "windows", `C:\Users\ops\`, "docs/a.txt", `C:\Users\ops\docs\a.txt`},
		{"windows drive absolute", "Windows", `C:\Users\ops`, `D:\data\x.bin`, `D:\data\x.bin`},
		{"windows unc", "Windows", `C:\`, `\\server\share\f`, `\\server\share\f`},
		{"windows empty is cwd", "Windows", `C:\temp`, "", `C:\temp`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolvePath(tt.os, tt.cwd, tt.path))
		})
	}
}

func TestJoinAndBase(t *testing.T) {
	assert.Equal(t, "/tmp/up.bin", joinPath("Linux", "/tmp/", "up.bin"))
	assert.Equal(t, "up.bin", joinPath("Linux", "", "up.bin"))
	assert.Equal(t, `C:\temp\up.bin`, joinPath("Windows", `C:\temp\`, "up.bin"))

	assert.Equal(t, "hosts", baseName("Linux", "/etc/hosts"))
	assert.Equal(t, "boot.ini", baseName("Windows", `C:\boot.ini`))
	assert.Equal(t, "logs", baseName("Windows", `C:\logs\`))
}

func TestLooksLikeDirectory(t *testing.T) {
	assert.True(t, looksLikeDirectory("bin"))
	assert.False(t, looksLikeDirectory("a.txt"))
	assert.False(t, looksLikeDirectory(".bashrc"))
}

func TestAssembler(t *testing.T) {
	t.Run("reverse order", func(t *testing.T) {
		a := newAssembler(0)
		for _, seq := range []int{2, 1, 0} {
			added, err := a.add(seq, []byte{byte('a' + seq)})
			require.NoError(t, err)
			assert.True(t, added)
		}
		assert.False(t, a.complete())
		require.NoError(t, a.announce(3))
		require.True(t, a.complete())
		assert.Equal(t, "abc", string(a.bytesInOrder()))
	})

	t.Run("duplicates ignored", func(t *testing.T) {
		a := newAssembler(0)
		_, err := a.add(0, []byte("x"))
		require.NoError(t, err)
		added, err := a.add(0, []byte("y"))
		require.NoError(t, err)
		assert.False(t, added)
		require.NoError(t, a.announce(1))
		assert.Equal(t, "x", string(a.bytesInOrder()))
	})

	t.Run("beyond total", func(t *testing.T) {
		a := newAssembler(0)
		require.NoError(t, a.announce(2))
		_, err := a.add(2, nil)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("announce below received", func(t *testing.T) {
		a := newAssembler(0)
		_, err := a.add(4, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, a.announce(2), ErrProtocol)
	})

	t.Run("negative sequence", func(t *testing.T) {
		_, err := newAssembler(0).add(-1, nil)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("size limit", func(t *testing.T) {
		a := newAssembler(4)
		_, err := a.add(0, []byte("abc"))
		require.NoError(t, err)
		_, err = a.add(1, []byte("de"))
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}
