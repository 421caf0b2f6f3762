// Package transport spawns worker processes and carries protocol messages
// between a process and its parent.
//
// Ownership boundary:
// - process spawning (local exec, ssh, in-memory programs)
// - ordered, framed message streams in both directions
// - exit and fault signalling
//
// It does not correlate requests or decide restarts; see internal/worker.
package transport
