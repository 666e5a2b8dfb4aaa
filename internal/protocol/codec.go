// ABOUTME: Length-prefixed JSON framing for the agent wire.
// ABOUTME: Each frame is a 4-byte big-endian length followed by a JSON object.

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// MaxFrameSize bounds a single frame body.
	MaxFrameSize = 16 * 1024 * 1024
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidFrame is returned when a frame body is not a typed JSON object.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Encode serializes f into a length-prefixed buffer ready for the wire.
func Encode(f *Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshaling frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// WriteFrame encodes f and writes it to w in a single call.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
// io.EOF is returned unwrapped when the peer closes between frames.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return &f, nil
}
