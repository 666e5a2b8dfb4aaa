// Package broadcast fans gateway state changes out to every connected
// control client.
//
// # Delivery
//
//	ch, subID := b.Subscribe(ctx)
//	for ev := range ch {
//	    // ev.Seq increases by one per published event
//	}
//
// Each subscriber owns one buffered channel. Publish never blocks: when a
// subscriber's buffer is full the subscriber is dropped and its channel
// closed, so a connected subscriber never silently misses an event. A
// client that is dropped can resubscribe and detect the gap from Seq.
package broadcast
