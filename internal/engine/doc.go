// Package engine dispatches runnable specs to execution backends while
// enforcing the artifact registry's contract: inputs are pinned before a
// run starts, outputs are reserved under the one-writer rule, and results
// are committed or reverted atomically based on the outcome. Run blocks
// until the run finishes; Submit records the run in the ledger and drives
// it in the background with per-run cancellation.
package engine
