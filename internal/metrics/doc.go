// Package metrics provides Prometheus metrics for the streaming client.
//
// Key metrics:
//   - Connection epoch and reconnect attempts
//   - Frames dropped by reason (stale epoch, unknown sid, queue overflow)
//   - Subscriptions by state
//   - Pending requests and request outcomes
//
// Every method is safe on a nil *Metrics, so components can run without
// a registry.
package metrics
