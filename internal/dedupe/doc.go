// Package dedupe provides a size-bounded TTL cache.
//
// The session multiplexer keeps correlation ids of finished operations in it
// so that late agent frames are recognised and discarded, and the command
// dispatcher uses it to map client request ids to the task they created.
package dedupe
