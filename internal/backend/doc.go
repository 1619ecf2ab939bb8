// Package backend defines the two capability contracts at the
// execution/storage boundary: Runtime for execution backends (local
// process, remote cluster, hosted runner) and Storage for storage backends
// (local disk, blob store). It also carries the RunnableSpec/RunResult
// types exchanged across the boundary and the platform registry that
// selects a Runtime at configuration time. Backends are swapped behind
// these interfaces; nothing above the boundary may depend on their
// internals.
package backend
