// Package store provides persistent history for the gateway using SQLite.
//
// # Architecture
//
// Store is the single persistence interface. SQLiteStore implements it on
// modernc.org/sqlite (pure Go, no cgo) and MockStore implements it in
// memory for tests.
//
// Live state (attached agents, queues, in-flight operations) never touches
// the database. The store only keeps what an operator may want after the
// fact:
//
//   - TaskRecord: command text, final status, output and error
//   - TransferRecord: file operations with path, size and digest
//   - AgentSighting: every agent that ever attached, with first/last seen
//   - Settings: opaque key/value pairs such as alert toggles
//
// # Schema
//
// Tables are created on open and migrations are additive ALTER TABLE
// statements guarded by pragma_table_info, so opening an older database is
// always safe.
//
// Timestamps are stored as RFC 3339 text in UTC with nanoseconds so that
// lexical order matches chronological order.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("~/.local/share/fleet-gateway/fleet.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	tasks, err := s.ListTasks(ctx, agentID, 50)
package store
