// ABOUTME: Reassembles download chunks into the original byte stream.
// ABOUTME: Buffers out-of-order chunks, ignores duplicates, rejects bad sequence numbers.

package transfer

import (
	"fmt"
)

// assembler collects chunks keyed by sequence number. The total is unknown
// until the agent's file_end frame announces it.
type assembler struct {
	chunks map[int][]byte
	total  int // -1 until announced
	bytes  int64
	limit  int64
}

func newAssembler(limit int64) *assembler {
	return &assembler{chunks: make(map[int][]byte), total: -1, limit: limit}
}

// add stores a chunk. It reports false for a duplicate, which is dropped.
func (a *assembler) add(seq int, data []byte) (bool, error) {
	if seq < 0 {
		return false, fmt.Errorf("%w: negative chunk sequence %d", ErrProtocol, seq)
	}
	if a.total >= 0 && seq >= a.total {
		return false, fmt.Errorf("%w: chunk %d beyond announced total %d", ErrProtocol, seq, a.total)
	}
	if _, dup := a.chunks[seq]; dup {
		return false, nil
	}
	if a.limit > 0 && a.bytes+int64(len(data)) > a.limit {
		return false, fmt.Errorf("%w: download exceeds %d bytes", ErrTooLarge, a.limit)
	}
	a.chunks[seq] = data
	a.bytes += int64(len(data))
	return true, nil
}

// announce records the total chunk count from the end marker.
func (a *assembler) announce(total int) error {
	if total < 0 {
		return fmt.Errorf("%w: negative chunk total %d", ErrProtocol, total)
	}
	for seq := range a.chunks {
		if seq >= total {
			return fmt.Errorf("%w: chunk %d beyond announced total %d", ErrProtocol, seq, total)
		}
	}
	a.total = total
	return nil
}

// complete reports whether every announced chunk has arrived.
func (a *assembler) complete() bool {
	return a.total >= 0 && len(a.chunks) == a.total
}

// bytesInOrder concatenates the chunks by sequence number.
func (a *assembler) bytesInOrder() []byte {
	out := make([]byte, 0, a.bytes)
	for seq := range a.total {
		out = append(out, a.chunks[seq]...)
	}
	return out
}
