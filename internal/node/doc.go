// Package node is the routing node that runs once in every process of a
// supervision tree.
//
// Ownership boundary:
// - the table of directly owned worker handles
// - dispatch of messages arriving from the parent link
// - hop-by-hop destination routing of privileged directives
// - bubbling of child events and logs toward the root
//
// A node knows only its immediate children; deeper workers are reached by
// handing the rest of the destination path to the child that owns them.
package node
