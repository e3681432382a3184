// Package checkpoint defines the data model and storage contract for
// persisting the execution state of a stateful computation graph.
//
// A checkpoint is an immutable snapshot of named channel values at one step
// of a run, addressed by (thread, namespace, checkpoint id) and carrying a
// free-form metadata envelope that can be searched by exact structural
// equality. Next to committed checkpoints, a pending-writes ledger records
// per-task channel writes that have not yet been folded into a snapshot, so
// an interrupted step can be replayed safely.
//
// The Saver interface is implemented by the backend subpackages:
//
//   - memory:   in-process reference implementation
//   - sqlite:   embedded, zero-configuration file database
//   - postgres: pooled or single-connection PostgreSQL
//   - redis:    key/value backend with the same read semantics
//
// All backends share the semantics pinned by this package: newest-first
// listing by checkpoint id, deterministic (channel, task) ordering of pending
// writes, idempotent write replay, and null-byte sanitization of persisted
// text.
package checkpoint
