// Package transfer coordinates file operations on remote agents.
//
// Every operation (download, upload, read, write, delete, mkdir, list) is
// a session.Op of kind transfer, so it shares the agent's FIFO with
// commands and never interleaves with them. Paths are resolved against the
// agent's working directory when the operation starts, using the agent's
// own separator.
//
// Downloads are reassembled by sequence number: chunks may arrive in any
// order, duplicates are dropped and a chunk beyond the announced total is a
// protocol error. The BLAKE3 digest from the end marker is checked before
// the file is written to the download directory.
//
// Uploads send one chunk at a time and wait for its ack. A chunk that is not
// acknowledged within ChunkAckTimeout is resent once; a second miss fails
// the whole transfer with ErrTransferFailed.
package transfer
