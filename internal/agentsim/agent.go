// ABOUTME: Simulated remote agent speaking the gateway wire protocol.
// ABOUTME: Backs end-to-end tests and the fake-agent binary with an in-memory FS.

package agentsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// MaxContentSize is the largest file the agent returns for editing.
const MaxContentSize = 1024 * 1024

// Agent is a scriptable stand-in for a real agent. Zero values are usable
// after setting ID and Hostname; everything else has a default.
type Agent struct {
	ID           string
	Hostname     string
	Username     string
	OS           string
	Capabilities []string
	WorkingDir   string

	FS        *MemFS
	ChunkSize int

	// CommandDelay makes command replies asynchronous, which lets tests
	// observe whether the gateway ever overlaps commands.
	CommandDelay time.Duration

	// ReverseChunks sends download chunks last-to-first.
	ReverseChunks bool

	// OmitDirectoryFlag drops is_directory from listings.
	OmitDirectoryFlag bool

	// HeartbeatInterval sends heartbeats while connected when positive.
	HeartbeatInterval time.Duration

	// OnFrame sees every inbound frame first. Returning true means the frame
	// was handled and default processing is skipped.
	OnFrame func(a *Agent, f *protocol.Frame) bool

	// DropAck is asked before acknowledging an upload chunk; returning true
	// drops that ack.
	DropAck func(seq int) bool

	Logger *slog.Logger

	conn    net.Conn
	writeMu sync.Mutex

	mu             sync.Mutex
	cwd            string
	uploads        map[string]*upload
	outstanding    int
	maxOutstanding int
	commands       []string
}

type upload struct {
	path   string
	chunks map[int][]byte
}

func (a *Agent) defaults() {
	if a.FS == nil {
		a.FS = NewMemFS()
	}
	if a.ChunkSize <= 0 {
		a.ChunkSize = 64 * 1024
	}
	if a.OS == "" {
		a.OS = "Linux"
	}
	if a.Username == "" {
		a.Username = "operator"
	}
	if a.WorkingDir == "" {
		a.WorkingDir = "/home/" + a.Username
	}
	if a.Logger == nil {
		a.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a.mu.Lock()
	if a.cwd == "" {
		a.cwd = a.WorkingDir
	}
	if a.uploads == nil {
		a.uploads = make(map[string]*upload)
	}
	a.mu.Unlock()
	_ = a.FS.Mkdir(a.WorkingDir)
}

// Dial connects to a listener, completes the handshake and serves frames
// until ctx ends or the connection drops.
func (a *Agent) Dial(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	return a.Serve(ctx, conn)
}

// Serve runs the agent over an established connection.
func (a *Agent) Serve(ctx context.Context, conn net.Conn) error {
	if err := a.Handshake(conn); err != nil {
		conn.Close()
		return err
	}
	return a.Loop(ctx)
}

// Handshake sends the handshake frame and waits for the ack.
func (a *Agent) Handshake(conn net.Conn) error {
	a.defaults()
	a.conn = conn

	err := a.Send(&protocol.Frame{
		Type:         protocol.TypeHandshake,
		ClientID:     a.ID,
		Capabilities: a.Capabilities,
		SystemInfo: &protocol.SystemInfo{
			Hostname:         a.Hostname,
			Username:         a.Username,
			OS:               a.OS,
			Arch:             "amd64",
			ProcessID:        4242,
			ProcessName:      "fake-agent",
			WorkingDirectory: a.WorkingDir,
		},
	})
	if err != nil {
		return err
	}

	reply, err := protocol.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	if reply.Type != protocol.TypeAck {
		return fmt.Errorf("handshake rejected: %s", reply.Error)
	}
	if reply.ClientID != "" {
		a.ID = reply.ClientID
	}
	return nil
}

// Loop processes gateway frames until ctx ends or the connection drops.
func (a *Agent) Loop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { a.conn.Close() })
	defer stop()

	if a.HeartbeatInterval > 0 {
		go a.heartbeat(ctx)
	}

	for {
		f, err := protocol.ReadFrame(a.conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if a.OnFrame != nil && a.OnFrame(a, f) {
			continue
		}
		a.handle(f)
	}
}

// Close drops the connection.
func (a *Agent) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// Send writes a frame to the gateway.
func (a *Agent) Send(f *protocol.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return protocol.WriteFrame(a.conn, f)
}

// MaxOutstanding is the largest number of commands the agent held unanswered
// at the same time.
func (a *Agent) MaxOutstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxOutstanding
}

// Commands returns the command lines received so far, in arrival order.
func (a *Agent) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.commands)
}

func (a *Agent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Send(&protocol.Frame{Type: protocol.TypeHeartbeat, Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		}
	}
}

func (a *Agent) handle(f *protocol.Frame) {
	var err error
	switch f.Type {
	case protocol.TypeCommand:
		a.command(f)
	case protocol.TypeCancel:
		a.Logger.Debug("cancel received", "task_id", f.TaskID)
	case protocol.TypeFileGet:
		err = a.sendFile(f)
	case protocol.TypeFilePut:
		a.startUpload(f)
	case protocol.TypeFileChunk:
		err = a.receiveChunk(f)
	case protocol.TypeFileEnd:
		err = a.finishUpload(f)
	case protocol.TypeFileRead:
		err = a.readContent(f)
	case protocol.TypeFileWrite:
		err = a.FS.WriteFile(a.abs(f.Path), []byte(f.Content))
		if err == nil {
			err = a.ack(f.TaskID, 0, true)
		}
	case protocol.TypeFileDelete:
		err = a.FS.Remove(a.abs(f.Path))
		if err == nil {
			err = a.ack(f.TaskID, 0, true)
		}
	case protocol.TypeFileMkdir:
		err = a.FS.Mkdir(a.abs(f.Path))
		if err == nil {
			err = a.ack(f.TaskID, 0, true)
		}
	case protocol.TypeListDir:
		err = a.list(f)
	default:
		a.Logger.Warn("unhandled frame", "type", f.Type)
	}

	if err != nil {
		a.fileError(f.TaskID, err)
	}
}

func (a *Agent) abs(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return path.Join(a.cwd, p)
}

func (a *Agent) command(f *protocol.Frame) {
	a.mu.Lock()
	a.commands = append(a.commands, f.Data)
	a.outstanding++
	a.maxOutstanding = max(a.maxOutstanding, a.outstanding)
	a.mu.Unlock()

	reply := func() {
		output, cmdErr := a.run(f.Data)
		a.mu.Lock()
		a.outstanding--
		cwd := a.cwd
		a.mu.Unlock()

		res := &protocol.Frame{Type: protocol.TypeCommandResult, TaskID: f.TaskID, Output: output, Cwd: cwd}
		if cmdErr != nil {
			res.Error = cmdErr.Error()
		}
		if err := a.Send(res); err != nil {
			a.Logger.Debug("failed to send result", "error", err)
		}
	}

	if a.CommandDelay > 0 {
		go func() {
			time.Sleep(a.CommandDelay)
			reply()
		}()
		return
	}
	reply()
}

// run implements a handful of harmless built-ins. Anything else is echoed.
func (a *Agent) run(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", errors.New("empty command")
	}

	switch fields[0] {
	case "whoami":
		return a.Username, nil
	case "hostname":
		return a.Hostname, nil
	case "pwd":
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.cwd, nil
	case "echo":
		return strings.Join(fields[1:], " "), nil
	case "cd":
		target := a.WorkingDir
		if len(fields) > 1 {
			target = a.abs(fields[1])
		}
		if !a.FS.IsDir(target) {
			return "", fmt.Errorf("cd: %s: no such directory", target)
		}
		a.mu.Lock()
		a.cwd = target
		a.mu.Unlock()
		return "", nil
	case "fail":
		return "", errors.New(strings.Join(fields[1:], " "))
	default:
		return line, nil
	}
}

func (a *Agent) sendFile(f *protocol.Frame) error {
	data, err := a.FS.ReadFile(a.abs(f.Path))
	if err != nil {
		return err
	}

	encoding := ""
	if protocol.HasCapability(a.Capabilities, protocol.CapabilityZstd) {
		encoding = protocol.EncodingZstd
	}

	var chunks [][]byte
	for off := 0; off < len(data); off += a.ChunkSize {
		chunks = append(chunks, data[off:min(off+a.ChunkSize, len(data))])
	}

	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	if a.ReverseChunks {
		slices.Reverse(order)
	}

	for _, seq := range order {
		payload, err := protocol.EncodeChunk(chunks[seq], encoding)
		if err != nil {
			return err
		}
		if err := a.Send(&protocol.Frame{
			Type:     protocol.TypeFileChunk,
			TaskID:   f.TaskID,
			Seq:      seq,
			Encoding: encoding,
			Payload:  payload,
		}); err != nil {
			return err
		}
	}

	return a.Send(&protocol.Frame{
		Type:   protocol.TypeFileEnd,
		TaskID: f.TaskID,
		Path:   a.abs(f.Path),
		Total:  len(chunks),
		Size:   int64(len(data)),
		Digest: protocol.Digest(data),
	})
}

func (a *Agent) startUpload(f *protocol.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads[f.TaskID] = &upload{path: f.Path, chunks: make(map[int][]byte)}
}

func (a *Agent) receiveChunk(f *protocol.Frame) error {
	a.mu.Lock()
	up, ok := a.uploads[f.TaskID]
	a.mu.Unlock()
	if !ok {
		return errors.New("chunk for unknown upload")
	}

	data, err := protocol.DecodeChunk(f.Payload, f.Encoding)
	if err != nil {
		return err
	}

	a.mu.Lock()
	up.chunks[f.Seq] = data
	a.mu.Unlock()

	if a.DropAck != nil && a.DropAck(f.Seq) {
		return nil
	}
	return a.ack(f.TaskID, f.Seq, false)
}

func (a *Agent) finishUpload(f *protocol.Frame) error {
	a.mu.Lock()
	up, ok := a.uploads[f.TaskID]
	delete(a.uploads, f.TaskID)
	a.mu.Unlock()
	if !ok {
		return errors.New("end for unknown upload")
	}

	var data []byte
	for seq := range f.Total {
		chunk, ok := up.chunks[seq]
		if !ok {
			return fmt.Errorf("missing chunk %d", seq)
		}
		data = append(data, chunk...)
	}
	if f.Digest != "" && protocol.Digest(data) != f.Digest {
		return errors.New("digest mismatch")
	}
	if err := a.FS.WriteFile(a.abs(up.path), data); err != nil {
		return err
	}
	return a.ack(f.TaskID, f.Total, true)
}

func (a *Agent) readContent(f *protocol.Frame) error {
	data, err := a.FS.ReadFile(a.abs(f.Path))
	if err != nil {
		return err
	}
	if len(data) > MaxContentSize {
		return a.Send(&protocol.Frame{
			Type:   protocol.TypeFileError,
			TaskID: f.TaskID,
			Code:   protocol.CodeTooLarge,
			Error:  "file too large to edit",
		})
	}
	return a.Send(&protocol.Frame{
		Type:    protocol.TypeFileContent,
		TaskID:  f.TaskID,
		Path:    a.abs(f.Path),
		Content: string(data),
	})
}

func (a *Agent) list(f *protocol.Frame) error {
	dir := a.abs(f.Path)
	entries, err := a.FS.List(dir)
	if err != nil {
		return err
	}

	out := make([]protocol.DirEntry, 0, len(entries))
	for _, e := range entries {
		de := protocol.DirEntry{
			Name:     e.Name,
			Size:     e.Size,
			Modified: e.Modified.Format(time.RFC3339),
		}
		if !a.OmitDirectoryFlag {
			isDir := e.IsDir
			de.IsDirectory = &isDir
		}
		out = append(out, de)
	}
	return a.Send(&protocol.Frame{Type: protocol.TypeListing, TaskID: f.TaskID, Path: dir, Entries: out})
}

func (a *Agent) ack(taskID string, seq int, final bool) error {
	return a.Send(&protocol.Frame{Type: protocol.TypeFileAck, TaskID: taskID, Seq: seq, Final: final})
}

func (a *Agent) fileError(taskID string, err error) {
	code := protocol.CodeIO
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = protocol.CodePathNotFound
	case errors.Is(err, fs.ErrPermission):
		code = protocol.CodePermissionDenied
	}
	if sendErr := a.Send(&protocol.Frame{
		Type:   protocol.TypeFileError,
		TaskID: taskID,
		Code:   code,
		Error:  err.Error(),
	}); sendErr != nil {
		a.Logger.Debug("failed to send file error", "error", sendErr)
	}
}
