// Package connection implements the streaming transport.
//
// A Transport owns at most one WebSocket connection at a time:
//   - Every successful connect increments the epoch; frames and handler
//     callbacks are tagged with it so stale state can be told apart
//   - One writer goroutine per connection serializes outbound frames
//   - Subscribe and unsubscribe frames pass a token bucket
//   - Heartbeats go out on an interval; silence past the timeout drops
//     the connection
//   - Lost connections are re-established with exponential backoff by a
//     single supervisor goroutine; a rejected token stops it
package connection
