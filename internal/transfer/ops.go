// ABOUTME: File operations: download, upload, read, write, delete, mkdir and list.
// ABOUTME: Each one is a frame exchange run inside the agent's session.

package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/session"
)

func (c *Coordinator) update(t *Transfer, fn func(*Transfer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(t)
}

// Download fetches a file from the agent and saves it under the download
// directory as <agent>_<basename>.
func (c *Coordinator) Download(ctx context.Context, agentID, p string) (*Transfer, error) {
	var filename string
	t, err := c.run(ctx, agentID, DirDownload, p, func(ctx context.Context, x *session.Exchange, info agent.Info, t *Transfer) error {
		if err := x.Send(&protocol.Frame{Type: protocol.TypeFileGet, Path: t.Path}); err != nil {
			return fmt.Errorf("requesting file: %w", err)
		}

		asm := newAssembler(c.cfg.MaxDownloadSize)
		var end *protocol.Frame
		for end == nil || !asm.complete() {
			f, err := c.await(ctx, x, protocol.TypeFileChunk, protocol.TypeFileEnd)
			if err != nil {
				return err
			}
			switch f.Type {
			case protocol.TypeFileChunk:
				data, err := protocol.DecodeChunk(f.Payload, f.Encoding)
				if err != nil {
					return fmt.Errorf("%w: chunk %d: %v", ErrProtocol, f.Seq, err)
				}
				added, err := asm.add(f.Seq, data)
				if err != nil {
					return err
				}
				if !added {
					c.logger.Debug("duplicate chunk ignored", "transfer_id", t.ID, "seq", f.Seq)
				}
			case protocol.TypeFileEnd:
				if end != nil {
					return fmt.Errorf("%w: repeated end marker", ErrProtocol)
				}
				if err := asm.announce(f.Total); err != nil {
					return err
				}
				end = f
			}
		}

		data := asm.bytesInOrder()
		if end.Size > 0 && int64(len(data)) != end.Size {
			return fmt.Errorf("%w: received %d bytes, agent announced %d", ErrTransferFailed, len(data), end.Size)
		}
		digest := protocol.Digest(data)
		if end.Digest != "" && end.Digest != digest {
			return fmt.Errorf("%w: digest mismatch", ErrTransferFailed)
		}

		filename = baseName(info.OS, t.Path)
		local, err := c.save(agentID, filename, data)
		if err != nil {
			return err
		}
		c.update(t, func(t *Transfer) {
			t.Size = int64(len(data))
			t.Digest = digest
			t.LocalPath = local
		})
		return nil
	})
	if err != nil {
		return t, err
	}

	c.publish(broadcast.FileReceived, FileEvent{
		TransferID: t.ID,
		ClientID:   agentID,
		Direction:  DirDownload,
		FilePath:   t.Path,
		Filename:   filename,
		LocalPath:  t.LocalPath,
		Size:       t.Size,
		Digest:     t.Digest,
	})
	return t, nil
}

// save writes a downloaded file. Names are flattened so an agent cannot
// steer the write outside the download directory.
func (c *Coordinator) save(agentID, name string, data []byte) (string, error) {
	if c.cfg.DownloadDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(c.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	safe := strings.NewReplacer("/", "_", `\`, "_", ":", "_").Replace(agentID + "_" + name)
	local := filepath.Join(c.cfg.DownloadDir, safe)
	if err := os.WriteFile(local, data, 0o600); err != nil {
		return "", fmt.Errorf("saving download: %w", err)
	}
	return local, nil
}

// Upload writes data to dir/name on the agent in acknowledged chunks. A chunk
// that is not acknowledged within the ack timeout is sent once more before
// the transfer fails with ErrTransferFailed.
func (c *Coordinator) Upload(ctx context.Context, agentID, dir, name string, data []byte) (*Transfer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty file name", ErrPathNotFound)
	}
	lookup, err := c.agents.Get(agentID)
	if err != nil {
		return nil, err
	}
	target := joinPath(lookup.OS, dir, name)

	t, err := c.run(ctx, agentID, DirUpload, target, func(ctx context.Context, x *session.Exchange, info agent.Info, t *Transfer) error {
		encoding := ""
		if protocol.HasCapability(info.Capabilities, protocol.CapabilityZstd) {
			encoding = protocol.EncodingZstd
		}

		var chunks [][]byte
		for off := 0; off < len(data); off += c.cfg.ChunkSize {
			chunks = append(chunks, data[off:min(off+c.cfg.ChunkSize, len(data))])
		}
		digest := protocol.Digest(data)

		if err := x.Send(&protocol.Frame{
			Type:   protocol.TypeFilePut,
			Path:   t.Path,
			Size:   int64(len(data)),
			Total:  len(chunks),
			Digest: digest,
		}); err != nil {
			return fmt.Errorf("%w: starting upload: %v", ErrTransferFailed, err)
		}

		for seq, chunk := range chunks {
			payload, err := protocol.EncodeChunk(chunk, encoding)
			if err != nil {
				return err
			}
			if err := c.sendChunk(ctx, x, seq, payload, encoding); err != nil {
				return err
			}
		}

		if err := x.Send(&protocol.Frame{
			Type:   protocol.TypeFileEnd,
			Path:   t.Path,
			Total:  len(chunks),
			Size:   int64(len(data)),
			Digest: digest,
		}); err != nil {
			return fmt.Errorf("%w: finishing upload: %v", ErrTransferFailed, err)
		}
		if err := c.awaitFinalAck(ctx, x); err != nil {
			return err
		}

		c.update(t, func(t *Transfer) {
			t.Size = int64(len(data))
			t.Digest = digest
		})
		return nil
	})
	if err != nil {
		return t, err
	}

	c.publish(broadcast.FileUploaded, FileEvent{
		TransferID: t.ID,
		ClientID:   agentID,
		Direction:  DirUpload,
		FilePath:   t.Path,
		Size:       t.Size,
		Digest:     t.Digest,
	})
	return t, nil
}

// sendChunk sends one chunk and waits for its ack, resending once.
func (c *Coordinator) sendChunk(ctx context.Context, x *session.Exchange, seq int, payload []byte, encoding string) error {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		err := x.Send(&protocol.Frame{
			Type:     protocol.TypeFileChunk,
			Seq:      seq,
			Encoding: encoding,
			Payload:  payload,
		})
		if err == nil {
			err = c.awaitChunkAck(ctx, x, seq)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !errors.Is(err, errChunkAckTimeout) && !isTransport(err) {
			// The agent answered with an error; resending will not help.
			return err
		}
		lastErr = err
		c.logger.Warn("chunk not acknowledged",
			"transfer_id", x.ID(),
			"seq", seq,
			"attempt", attempt,
			"error", err)
	}
	return fmt.Errorf("%w: chunk %d: %v", ErrTransferFailed, seq, lastErr)
}

// isTransport reports errors from writing to the agent connection, as
// opposed to errors the agent reported.
func isTransport(err error) bool {
	return !errors.Is(err, ErrPathNotFound) &&
		!errors.Is(err, ErrPermissionDenied) &&
		!errors.Is(err, ErrTooLarge) &&
		!errors.Is(err, ErrTransferFailed) &&
		!errors.Is(err, ErrProtocol)
}

func (c *Coordinator) awaitChunkAck(ctx context.Context, x *session.Exchange, seq int) error {
	for {
		f, err := x.RecvWithin(ctx, c.cfg.ChunkAckTimeout, errChunkAckTimeout)
		if err != nil {
			return err
		}
		switch {
		case f.Type == protocol.TypeFileError:
			return agentError(f)
		case f.Type == protocol.TypeFileAck && !f.Final && f.Seq == seq:
			return nil
		case f.Type == protocol.TypeFileAck:
			// Late ack for an earlier attempt.
			continue
		default:
			c.logger.Warn("unexpected frame during upload", "transfer_id", x.ID(), "type", f.Type)
		}
	}
}

// ReadFile returns the text content of a file for editing.
func (c *Coordinator) ReadFile(ctx context.Context, agentID, p string) (string, error) {
	var content string
	t, err := c.run(ctx, agentID, DirRead, p, func(ctx context.Context, x *session.Exchange, _ agent.Info, t *Transfer) error {
		if err := x.Send(&protocol.Frame{Type: protocol.TypeFileRead, Path: t.Path}); err != nil {
			return fmt.Errorf("requesting content: %w", err)
		}
		f, err := c.await(ctx, x, protocol.TypeFileContent)
		if err != nil {
			return err
		}
		if int64(len(f.Content)) > c.cfg.MaxEditSize {
			return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(f.Content), c.cfg.MaxEditSize)
		}
		content = f.Content
		c.update(t, func(t *Transfer) { t.Size = int64(len(content)) })
		return nil
	})
	if err != nil {
		return "", err
	}

	c.publish(broadcast.FileContent, ContentEvent{ClientID: agentID, FilePath: t.Path, Content: content})
	return content, nil
}

// WriteFile replaces a file's content; the agent creates parent folders.
func (c *Coordinator) WriteFile(ctx context.Context, agentID, p, content string) (*Transfer, error) {
	if int64(len(content)) > c.cfg.MaxEditSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(content), c.cfg.MaxEditSize)
	}
	t, err := c.run(ctx, agentID, DirWrite, p, func(ctx context.Context, x *session.Exchange, _ agent.Info, t *Transfer) error {
		if err := x.Send(&protocol.Frame{Type: protocol.TypeFileWrite, Path: t.Path, Content: content}); err != nil {
			return fmt.Errorf("sending content: %w", err)
		}
		if err := c.awaitFinalAck(ctx, x); err != nil {
			return err
		}
		c.update(t, func(t *Transfer) { t.Size = int64(len(content)) })
		return nil
	})
	if err != nil {
		return t, err
	}

	c.publish(broadcast.FileSaved, FileEvent{
		TransferID: t.ID,
		ClientID:   agentID,
		Direction:  DirWrite,
		FilePath:   t.Path,
		Size:       t.Size,
	})
	return t, nil
}

// Delete removes a file or directory tree on the agent.
func (c *Coordinator) Delete(ctx context.Context, agentID, p string) (*Transfer, error) {
	return c.simple(ctx, agentID, DirDelete, protocol.TypeFileDelete, broadcast.PathDeleted, p)
}

// CreateFolder creates a directory and its parents on the agent.
func (c *Coordinator) CreateFolder(ctx context.Context, agentID, p string) (*Transfer, error) {
	return c.simple(ctx, agentID, DirMkdir, protocol.TypeFileMkdir, broadcast.FolderCreated, p)
}

// simple runs a single-frame operation completed by the agent's final ack.
func (c *Coordinator) simple(ctx context.Context, agentID string, dir Direction, frameType protocol.FrameType, eventType, p string) (*Transfer, error) {
	if strings.TrimSpace(p) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrPathNotFound)
	}
	t, err := c.run(ctx, agentID, dir, p, func(ctx context.Context, x *session.Exchange, _ agent.Info, t *Transfer) error {
		if err := x.Send(&protocol.Frame{Type: frameType, Path: t.Path}); err != nil {
			return fmt.Errorf("sending %s: %w", frameType, err)
		}
		return c.awaitFinalAck(ctx, x)
	})
	if err != nil {
		return t, err
	}

	c.publish(eventType, FileEvent{
		TransferID: t.ID,
		ClientID:   agentID,
		Direction:  dir,
		FilePath:   t.Path,
	})
	return t, nil
}

// ListDirectory lists a directory. Entries the agent classified are trusted;
// the rest are classified by name and flagged as heuristic.
func (c *Coordinator) ListDirectory(ctx context.Context, agentID, p string) ([]DirectoryEntry, error) {
	var entries []DirectoryEntry
	t, err := c.run(ctx, agentID, DirList, p, func(ctx context.Context, x *session.Exchange, _ agent.Info, t *Transfer) error {
		if err := x.Send(&protocol.Frame{Type: protocol.TypeListDir, Path: t.Path}); err != nil {
			return fmt.Errorf("requesting listing: %w", err)
		}
		f, err := c.await(ctx, x, protocol.TypeListing)
		if err != nil {
			return err
		}
		entries = make([]DirectoryEntry, 0, len(f.Entries))
		for _, e := range f.Entries {
			de := DirectoryEntry{Name: e.Name, Size: e.Size, Modified: e.Modified}
			if e.IsDirectory != nil {
				de.IsDirectory = *e.IsDirectory
			} else {
				de.IsDirectory = looksLikeDirectory(e.Name)
				de.Heuristic = true
			}
			entries = append(entries, de)
		}
		if f.Path != "" {
			c.update(t, func(t *Transfer) { t.Path = f.Path })
		}
		c.update(t, func(t *Transfer) { t.Size = int64(len(entries)) })
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(broadcast.DirectoryListing, ListingEvent{ClientID: agentID, Path: t.Path, Files: entries})
	return entries, nil
}
