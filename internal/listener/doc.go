// Package listener manages named TCP acceptors for agent connections.
//
// Listeners are created stopped and move between stopped and running on
// Start and Stop. Delete stops a running listener before removing it.
// Each running listener has its own accept loop; accepted sockets are
// handed to the manager's ConnHandler together with the listener name.
//
// Handlers run under the manager's context, so agents keep their sessions
// when the listener that admitted them is stopped or deleted.
package listener
