// ABOUTME: Transfer payload helpers shared by both ends of the wire.
// ABOUTME: BLAKE3 digests over file bytes and zstd chunk compression.

package protocol

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// DigestPrefix identifies the hash algorithm in digest strings.
const DigestPrefix = "blake3:"

// Digest returns the BLAKE3-256 digest of data, prefixed with its algorithm.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// Only fails on invalid options.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	})
	return decoder
}

// EncodeChunk compresses data when encoding is EncodingZstd and returns it
// unchanged otherwise.
func EncodeChunk(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return data, nil
	case EncodingZstd:
		return zstdEncoder().EncodeAll(data, make([]byte, 0, len(data))), nil
	default:
		return nil, fmt.Errorf("%w: unknown chunk encoding %q", ErrInvalidFrame, encoding)
	}
}

// DecodeChunk reverses EncodeChunk.
func DecodeChunk(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return data, nil
	case EncodingZstd:
		out, err := zstdDecoder().DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing chunk: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown chunk encoding %q", ErrInvalidFrame, encoding)
	}
}
