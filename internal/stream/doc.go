// Package stream is the consumer-facing client of the event feed.
//
// Client owns the router, the reconnecting connection and the command
// correlator. Listener registrations live in the router, so they survive
// reconnects; only delivery pauses while the link is down.
package stream
