// Package metrics provides Prometheus metrics for the stream client.
//
// Key metrics:
//   - Connection state and reconnect attempts
//   - Inbound frames by type, malformed frames
//   - Handler failures by event type
//   - Trade commands sent and rejected
//   - Journal rows written and failed
package metrics
