// Package dispatch maps operator command requests onto agent sessions.
//
// Execute returns a pending Task immediately. The task runs as a session.Op,
// so it inherits the session's ordering, timeout and disconnect handling.
// The dispatcher publishes task_created when the task is accepted and
// exactly one task_updated when it reaches completed or failed.
//
// Terminal tasks stay in memory for the retention window; with a store
// configured they remain available through Get and History afterwards.
package dispatch
