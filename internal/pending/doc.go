// Package pending correlates request frames with their responses.
//
// Every request gets a fresh ID and a Future. The Future is resolved exactly
// once: by the matching response or error frame, by its deadline, by loss of
// the connection it was sent on, or by the caller giving up. Whichever comes
// first wins; later arrivals are logged and discarded.
//
// Entries are tagged with the epoch of the connection that carried them.
// A request queued while offline carries epoch 0 until the next connection
// comes up and flushes it.
package pending
