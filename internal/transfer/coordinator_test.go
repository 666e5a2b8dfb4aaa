// ABOUTME: Tests for the transfer coordinator against simulated agents.
// ABOUTME: Covers reassembly, uploads with retry, edit round trips, errors and listings.

package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/agentsim"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/fleettest"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
)

type harness struct {
	coord *Coordinator
	fleet *fleettest.Fleet
	sim   *agentsim.Agent
	store *store.MockStore
	dir   string
}

func newHarness(t *testing.T, cfg Config, sim *agentsim.Agent) *harness {
	t.Helper()
	fleet := fleettest.New(t, session.DefaultConfig())
	st := store.NewMockStore()
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = t.TempDir()
	}
	if sim.ID == "" {
		sim.ID = "a1"
	}
	if sim.Hostname == "" {
		sim.Hostname = "box"
	}
	sim.FS = agentsim.NewMemFS()
	fleet.Attach(t, sim)
	return &harness{
		coord: New(cfg, fleet.Mux, fleet.Registry, fleet.Events, st, fleettest.Logger()),
		fleet: fleet,
		sim:   sim,
		store: st,
		dir:   cfg.DownloadDir,
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func TestDownload_ReverseOrderReassembly(t *testing.T) {
	h := newHarness(t, Config{}, &agentsim.Agent{ChunkSize: 1000, ReverseChunks: true})
	want := pattern(10_500)
	require.NoError(t, h.sim.FS.WriteFile("/var/log/app.log", want))

	tr, err := h.coord.Download(ctxT(t), "a1", "/var/log/app.log")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tr.State)
	assert.Equal(t, int64(len(want)), tr.Size)
	assert.Equal(t, protocol.Digest(want), tr.Digest)
	assert.Equal(t, filepath.Join(h.dir, "a1_app.log"), tr.LocalPath)

	got, err := os.ReadFile(tr.LocalPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got))

	events := h.fleet.Events.Of(broadcast.FileReceived)
	require.Len(t, events, 1)
	ev := events[0].(FileEvent)
	assert.Equal(t, "app.log", ev.Filename)
	assert.Equal(t, "a1", ev.ClientID)
}

func TestDownload_Zstd(t *testing.T) {
	h := newHarness(t, Config{}, &agentsim.Agent{
		ChunkSize:    512,
		Capabilities: []string{protocol.CapabilityZstd},
	})
	want := bytes.Repeat([]byte("compressible "), 400)
	require.NoError(t, h.sim.FS.WriteFile("/data.txt", want))

	tr, err := h.coord.Download(ctxT(t), "a1", "/data.txt")
	require.NoError(t, err)

	got, err := os.ReadFile(tr.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownload_RelativeToWorkingDirectory(t *testing.T) {
	h := newHarness(t, Config{}, &agentsim.Agent{Username: "ops"})
	require.NoError(t, h.sim.FS.WriteFile("/home/ops/todo.md", []byte("- ship")))

	tr, err := h.coord.Download(ctxT(t), "a1", "todo.md")
	require.NoError(t, err)
	assert.Equal(t, "/home/ops/todo.md", tr.Path)
}

func TestDownload_Errors(t *testing.T) {
	t.Run("path not found", func(t *testing.T) {
		h := newHarness(t, Config{}, &agentsim.Agent{})
		tr, err := h.coord.Download(ctxT(t), "a1", "/missing")
		assert.ErrorIs(t, err, ErrPathNotFound)
		require.NotNil(t, tr)
		assert.Equal(t, StateFailed, tr.State)
		assert.Len(t, h.fleet.Events.Of(broadcast.TransferFailed), 1)

		recs, err := h.store.ListTransfers(context.Background(), "a1", 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "failed", recs[0].Status)
	})

	t.Run("permission denied", func(t *testing.T) {
		h := newHarness(t, Config{}, &agentsim.Agent{})
		require.NoError(t, h.sim.FS.WriteFile("/root/secret", []byte("x")))
		h.sim.FS.Deny("/root")
		_, err := h.coord.Download(ctxT(t), "a1", "/root/secret")
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("unknown agent", func(t *testing.T) {
		h := newHarness(t, Config{}, &agentsim.Agent{})
		_, err := h.coord.Download(ctxT(t), "ghost", "/x")
		assert.ErrorIs(t, err, agent.ErrAgentNotFound)
	})

	t.Run("chunk beyond total", func(t *testing.T) {
		sim := &agentsim.Agent{}
		sim.OnFrame = func(a *agentsim.Agent, f *protocol.Frame) bool {
			if f.Type != protocol.TypeFileGet {
				return false
			}
			_ = a.Send(&protocol.Frame{Type: protocol.TypeFileEnd, TaskID: f.TaskID, Total: 1})
			_ = a.Send(&protocol.Frame{Type: protocol.TypeFileChunk, TaskID: f.TaskID, Seq: 3, Payload: []byte("x")})
			return true
		}
		h := newHarness(t, Config{}, sim)
		_, err := h.coord.Download(ctxT(t), "a1", "/x")
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("digest mismatch", func(t *testing.T) {
		sim := &agentsim.Agent{}
		sim.OnFrame = func(a *agentsim.Agent, f *protocol.Frame) bool {
			if f.Type != protocol.TypeFileGet {
				return false
			}
			_ = a.Send(&protocol.Frame{Type: protocol.TypeFileChunk, TaskID: f.TaskID, Seq: 0, Payload: []byte("abc")})
			_ = a.Send(&protocol.Frame{Type: protocol.TypeFileEnd, TaskID: f.TaskID, Total: 1, Digest: protocol.Digest([]byte("abd"))})
			return true
		}
		h := newHarness(t, Config{}, sim)
		_, err := h.coord.Download(ctxT(t), "a1", "/x")
		assert.ErrorIs(t, err, ErrTransferFailed)
	})
}

func TestDownload_DuplicateChunksIgnored(t *testing.T) {
	sim := &agentsim.Agent{}
	sim.OnFrame = func(a *agentsim.Agent, f *protocol.Frame) bool {
		if f.Type != protocol.TypeFileGet {
			return false
		}
		for _, c := range []struct {
			seq  int
			data string
		}{{1, "world"}, {0, "hello "}, {1, "WORLD"}} {
			_ = a.Send(&protocol.Frame{Type: protocol.TypeFileChunk, TaskID: f.TaskID, Seq: c.seq, Payload: []byte(c.data)})
		}
		_ = a.Send(&protocol.Frame{Type: protocol.TypeFileEnd, TaskID: f.TaskID, Total: 2, Size: 11})
		return true
	}
	h := newHarness(t, Config{}, sim)

	tr, err := h.coord.Download(ctxT(t), "a1", "/greeting")
	require.NoError(t, err)
	got, err := os.ReadFile(tr.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestUpload(t *testing.T) {
	for _, caps := range [][]string{nil, {protocol.CapabilityZstd}} {
		name := "plain"
		if caps != nil {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{ChunkSize: 1024}, &agentsim.Agent{Capabilities: caps})
			data := pattern(5000)

			tr, err := h.coord.Upload(ctxT(t), "a1", "/opt/tools", "agent.bin", data)
			require.NoError(t, err)
			assert.Equal(t, "/opt/tools/agent.bin", tr.Path)
			assert.Equal(t, int64(5000), tr.Size)

			got, err := h.sim.FS.ReadFile("/opt/tools/agent.bin")
			require.NoError(t, err)
			assert.Equal(t, data, got)

			events := h.fleet.Events.Of(broadcast.FileUploaded)
			require.Len(t, events, 1)
			assert.Equal(t, "/opt/tools/agent.bin", events[0].(FileEvent).FilePath)
		})
	}
}

func TestUpload_EmptyFile(t *testing.T) {
	h := newHarness(t, Config{}, &agentsim.Agent{})
	_, err := h.coord.Upload(ctxT(t), "a1", "/tmp", "empty", nil)
	require.NoError(t, err)

	got, err := h.sim.FS.ReadFile("/tmp/empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpload_ResendsUnacknowledgedChunkOnce(t *testing.T) {
	var drops atomic.Int32
	sim := &agentsim.Agent{
		DropAck: func(seq int) bool {
			return seq == 1 && drops.Add(1) == 1
		},
	}
	h := newHarness(t, Config{ChunkSize: 10, ChunkAckTimeout: 50 * time.Millisecond}, sim)
	data := []byte("0123456789abcdefghijXYZ")

	_, err := h.coord.Upload(ctxT(t), "a1", "/tmp", "f.txt", data)
	require.NoError(t, err)
	assert.Equal(t, int32(2), drops.Load(), "chunk 1 sent twice")

	got, err := h.sim.FS.ReadFile("/tmp/f.txt")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUpload_FailsAfterRetry(t *testing.T) {
	sim := &agentsim.Agent{DropAck: func(seq int) bool { return seq == 1 }}
	h := newHarness(t, Config{ChunkSize: 10, ChunkAckTimeout: 30 * time.Millisecond}, sim)

	tr, err := h.coord.Upload(ctxT(t), "a1", "/tmp", "f.txt", pattern(30))
	assert.ErrorIs(t, err, ErrTransferFailed)
	require.NotNil(t, tr)
	assert.Equal(t, StateFailed, tr.State)
	assert.Len(t, h.fleet.Events.Of(broadcast.TransferFailed), 1)
	assert.Empty(t, h.fleet.Events.Of(broadcast.FileUploaded))

	// The agent is usable again.
	_, err = h.coord.CreateFolder(ctxT(t), "a1", "/after")
	require.NoError(t, err)
}

func TestWriteThenRead_RoundTrip(t *testing.T) {
	h := newHarness(t, Config{}, &agentsim.Agent{Username: "ops"})

	contents := []string{
		"plain text\n",
		`C:\Windows\System32 and /usr/local/bin`,
		"unicode ✓ — tabs\tand\r\nCRLF",
		"",
	}
	for i, content := range contents {
		p := filepath.Join("notes", string(rune('a'+i))+".txt")

		_, err := h.coord.WriteFile(ctxT(t), "a1", p, content)
		require.NoError(t, err)

		got, err := h.coord.ReadFile(ctxT(t), "a1", p)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}

	// Relative paths land under the agent's working directory.
	assert.True(t, h.sim.FS.IsDir("/home/ops/notes"))
	assert.Len(t, h.fleet.Events.Of(broadcast.FileSaved), len(contents))
	assert.Len(t, h.fleet.Events.Of(broadcast.FileContent), len(contents))
}

func TestReadFile_TooLarge(t *testing.T) {
	t.Run("agent refuses", func(t *testing.T) {
		h := newHarness(t, Config{}, &agentsim.Agent{})
		require.NoError(t, h.sim.FS.WriteFile("/big", make([]byte, agentsim.MaxContentSize+1)))
		_, err := h.coord.ReadFile(ctxT(t), "a1", "/big")
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("gateway limit", func(t *testing.T) {
		h := newHarness(t, Config{MaxEditSize: 8}, &agentsim.Agent{})
		require.NoError(t, h.sim.FS.WriteFile("/medium", []byte("0123456789")))
		_, err := h.coord.ReadFile(ctxT(t), "a1", "/medium")
		assert.ErrorIs(t, err, ErrTooLarge)

		_, err = h.coord.WriteFile(ctxT(t), "a1", "/medium", "0123456789")
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestDeleteAndCreateFolder(t *testing.T) {
	h := newHarness(t, Config{}, &agentsim.Agent{})

	_, err := h.coord.CreateFolder(ctxT(t), "a1", "/srv/www/static")
	require.NoError(t, err)
	assert.True(t, h.sim.FS.IsDir("/srv/www/static"))
	assert.Len(t, h.fleet.Events.Of(broadcast.FolderCreated), 1)

	_, err = h.coord.Delete(ctxT(t), "a1", "/srv/www")
	require.NoError(t, err)
	assert.False(t, h.sim.FS.IsDir("/srv/www"))
	assert.Len(t, h.fleet.Events.Of(broadcast.PathDeleted), 1)

	_, err = h.coord.Delete(ctxT(t), "a1", "/srv/www")
	assert.ErrorIs(t, err, ErrPathNotFound)

	_, err = h.coord.Delete(ctxT(t), "a1", "  ")
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestListDirectory(t *testing.T) {
	seed := func(fs *agentsim.MemFS) {
		require.NoError(t, fs.WriteFile("/data/report.pdf", []byte("pdf")))
		require.NoError(t, fs.WriteFile("/data/Makefile", []byte("all:")))
		require.NoError(t, fs.Mkdir("/data/v1.2"))
	}

	t.Run("authoritative flag", func(t *testing.T) {
		h := newHarness(t, Config{}, &agentsim.Agent{})
		seed(h.sim.FS)

		entries, err := h.coord.ListDirectory(ctxT(t), "a1", "/data")
		require.NoError(t, err)
		require.Len(t, entries, 3)

		byName := map[string]DirectoryEntry{}
		for _, e := range entries {
			byName[e.Name] = e
			assert.False(t, e.Heuristic)
		}
		assert.False(t, byName["Makefile"].IsDirectory)
		assert.True(t, byName["v1.2"].IsDirectory)
		assert.Equal(t, int64(3), byName["report.pdf"].Size)

		events := h.fleet.Events.Of(broadcast.DirectoryListing)
		require.Len(t, events, 1)
		assert.Equal(t, "/data", events[0].(ListingEvent).Path)
	})

	t.Run("heuristic fallback", func(t *testing.T) {
		h := newHarness(t, Config{}, &agentsim.Agent{OmitDirectoryFlag: true})
		seed(h.sim.FS)

		entries, err := h.coord.ListDirectory(ctxT(t), "a1", "/data")
		require.NoError(t, err)
		for _, e := range entries {
			assert.True(t, e.Heuristic, e.Name)
			assert.Equal(t, looksLikeDirectory(e.Name), e.IsDirectory, e.Name)
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		h := newHarness(t, Config{}, &agentsim.Agent{})
		_, err := h.coord.ListDirectory(ctxT(t), "a1", "/nope")
		assert.ErrorIs(t, err, ErrPathNotFound)
	})
}

func TestCoordinator_Records(t *testing.T) {
	h := newHarness(t, Config{}, &agentsim.Agent{})
	require.NoError(t, h.sim.FS.WriteFile("/a.txt", []byte("a")))

	first, err := h.coord.Download(ctxT(t), "a1", "/a.txt")
	require.NoError(t, err)
	second, err := h.coord.CreateFolder(ctxT(t), "a1", "/b")
	require.NoError(t, err)

	list := h.coord.List("a1")
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Empty(t, h.coord.List("other"))

	got, err := h.coord.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, DirDownload, got.Direction)
	assert.Equal(t, StateCompleted, got.State)

	_, err = h.coord.Get("nope")
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestCoordinator_CallerCancelAbortsTransfer(t *testing.T) {
	sim := &agentsim.Agent{}
	got := make(chan struct{}, 1)
	sim.OnFrame = func(_ *agentsim.Agent, f *protocol.Frame) bool {
		if f.Type == protocol.TypeFileGet {
			got <- struct{}{}
			return true // never answer
		}
		return false
	}
	h := newHarness(t, Config{}, sim)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-got
		cancel()
	}()

	_, err := h.coord.Download(ctx, "a1", "/slow")
	assert.ErrorIs(t, err, session.ErrCanceled)
}
