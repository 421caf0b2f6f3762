// Package app is the application surface of a supervision tree process:
// named request handlers, shutdown callbacks and the process entrypoint.
//
// Ownership boundary:
// - user event handler table
// - drain callbacks run by the shutdown directive
// - lifecycle directives addressed to this process's own workers
// - wiring the node to the parent link and logger at process start
package app
