// Package protocol defines the wire format spoken between fleet-gateway and
// remote agents.
//
// # Framing
//
// Every frame is a 4-byte big-endian length followed by that many bytes of
// JSON. Frames larger than MaxFrameSize are rejected on both sides.
//
// # Handshake
//
// The first frame an agent sends is a handshake carrying its client_id,
// system_info and capabilities. The gateway answers with an ack frame, or an
// error frame followed by a close when the handshake is rejected.
//
// # Correlation
//
// Every operation the gateway starts on an agent carries a fresh task_id.
// The agent echoes it on every frame that belongs to that operation, which
// is how command results and file frames are routed back to their caller.
package protocol
