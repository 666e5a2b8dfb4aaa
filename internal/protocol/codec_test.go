// ABOUTME: Tests for the length-prefixed frame codec.
// ABOUTME: Covers framing, size limits, malformed bodies and clean EOF.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer

	isDir := true
	frames := []*Frame{
		{Type: TypeCommand, TaskID: "t-1", Data: "whoami"},
		{Type: TypeFileChunk, TaskID: "t-2", Seq: 0, Payload: []byte{0x00, 0xff, 0x10}},
		{Type: TypeListing, TaskID: "t-3", Path: "/tmp", Entries: []DirEntry{{Name: "a", IsDirectory: &isDir}}},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncode_LengthPrefix(t *testing.T) {
	buf, err := Encode(&Frame{Type: TypeHeartbeat})
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(buf[:HeaderSize])
	assert.Equal(t, len(buf)-HeaderSize, int(length))
}

func TestReadFrame_Errors(t *testing.T) {
	t.Run("oversized length", func(t *testing.T) {
		var header [HeaderSize]byte
		binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

		_, err := ReadFrame(bytes.NewReader(header[:]))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("truncated body", func(t *testing.T) {
		var header [HeaderSize]byte
		binary.BigEndian.PutUint32(header[:], 10)

		_, err := ReadFrame(bytes.NewReader(append(header[:], '{')))
		require.Error(t, err)
		assert.False(t, errors.Is(err, io.EOF))
	})

	t.Run("not json", func(t *testing.T) {
		body := []byte("not json")
		var header [HeaderSize]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(body)))

		_, err := ReadFrame(bytes.NewReader(append(header[:], body...)))
		assert.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("missing type", func(t *testing.T) {
		body := []byte(`{"task_id":"x"}`)
		var header [HeaderSize]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(body)))

		_, err := ReadFrame(bytes.NewReader(append(header[:], body...)))
		assert.ErrorIs(t, err, ErrInvalidFrame)
	})
}

func TestHasCapability(t *testing.T) {
	assert.True(t, HasCapability([]string{"shell", CapabilityZstd}, CapabilityZstd))
	assert.False(t, HasCapability(nil, CapabilityZstd))
}
