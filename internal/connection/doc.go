// Package connection implements the transport and reconnection layers.
//
// Client is one authenticated WebSocket connection with an explicit state
// machine. Manager keeps a single logical connection alive:
//   - Authenticates with a token handshake (AUTH → AUTH_OK / AUTH_ERROR)
//   - Reconnects with capped exponential backoff and jitter
//   - Stops retrying when the backend rejects the token
//   - Publishes inbound frames and connect/disconnect signals to the router
package connection
