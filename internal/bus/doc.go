// Package bus carries control messages between isolated execution contexts.
// The channel is text-only and size-limited: every message is serialized to
// JSON on send and parsed and validated again on receipt, so the two sides
// never share memory. Peer adds request/reply correlation on top of an
// Endpoint.
package bus
