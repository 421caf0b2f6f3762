// Package protocol owns the parent<->child link contract.
//
// Ownership boundary:
// - message kinds, directives and the Message envelope
// - argument list encoding
// - frame/tlv encoding of envelopes (subpackages frame, tlv, schema)
//
// Every request kind carries a correlation id unique to the sending worker
// handle. Responses echo that id and carry exactly one of result or error.
// Log, error-log and event messages are fire-and-forget and carry no id.
package protocol
