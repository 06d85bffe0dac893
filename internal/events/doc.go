// Package events defines the wire vocabulary shared with the trading backend.
//
// Every frame is an Envelope: a string type tag plus a raw JSON payload.
// Inbound payloads form a closed set of typed variants (see Decode); a frame
// whose payload does not match its tag is rejected at the dispatch boundary
// instead of reaching consumers half-parsed.
//
// Money and size fields use shopspring/decimal so prices such as 1.2345 are
// carried exactly.
package events
