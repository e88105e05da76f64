// Package session owns producer<->client session helpers.
//
// Ownership boundary:
// - stream.open / stream.open.ack control messages (JSON lines on tcp, single messages on ws)
// - connect/handshake/read timeouts and payload limits
// - retry/backoff primitives
package session
