// Package router implements the Event Dispatcher.
//
// Inbound envelopes are validated into typed payloads, then fanned out to the
// listeners registered for their type tag:
//   - One dispatch goroutine drains the inbound queue in arrival order
//   - Listeners of one type run synchronously, first registered first called
//   - On/Off are safe while a dispatch is running (copy-on-write lists)
//   - A failing or panicking listener is reported and isolated
package router
