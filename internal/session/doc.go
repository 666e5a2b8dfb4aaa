// Package session multiplexes commands and file transfers onto a single
// connection per agent.
//
// # Ordering
//
// Every agent has one Session holding a bounded FIFO. A single worker
// goroutine takes ops from the FIFO and runs them to completion, so at most
// one op is ever in flight for an agent and results arrive in submission
// order. Commands and transfers share the FIFO and never interleave.
//
// # Correlation
//
// Each op carries a correlation id that is stamped on every frame sent
// for it. The session's reader goroutine routes inbound frames by that id:
//
//   - heartbeat and telemetry frames are handled immediately
//   - frames for the in-flight op go to its Exchange
//   - frames for a recently finished op are logged as late and dropped
//   - anything else is logged and dropped
//
// # Termination
//
// An op ends exactly once. The first of completion, timeout, operator
// cancel or agent disconnect decides the outcome; the rest are no-ops.
// When an agent disconnects its session is removed before queued ops are
// failed, so new submissions for that agent get agent.ErrAgentNotFound.
package session
