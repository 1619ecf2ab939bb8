// Package registry implements the artifact registry: the authoritative
// record of every artifact's lifecycle state and reference count.
//
// The registry is the only component that moves artifacts between states.
// Storage backends hold bytes and delete them when instructed; they never
// decide lifecycle. Actions for the same artifact are serialized on a
// per-record mutex, so concurrent operations on distinct artifacts never
// contend with each other.
//
// Output reservations enforce the one-writer rule: at most one run may hold
// an artifact in the pending state, and only that run may commit or revert
// it. Reference counts track holders (consumers and in-flight run pins); a
// release that drops the last reference destroys the artifact.
package registry
