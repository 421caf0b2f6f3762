// Package worker supervises one child process per Handle.
//
// Ownership boundary:
// - worker lifecycle (start, kill, shutdown, restart, crash recovery)
// - request id allocation and the pending request table
// - request deadlines
//
// Routing between handles belongs to internal/node.
package worker
