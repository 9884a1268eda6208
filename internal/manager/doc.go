// Package manager is the projection lifecycle coordinator.
//
// The Manager accepts lifecycle commands (Post, Enable, Disable, Delete,
// GetState, List) while this node is the leader and the core subsystem is
// ready, drives each projection through its state machine, persists
// definitions and audit events to the stream store, and replies exactly
// once per command.
//
// Concurrency model:
//   - Run is the single-writer loop. It owns the leadership gate, the
//     current epoch and command admission.
//   - Admitted commands go to a per-name lane. A lane runs its commands in
//     arrival order; lanes for different names run concurrently under the
//     epoch's errgroup.
//   - Each epoch has its own registry. When leadership is lost the epoch
//     context is cancelled, every pending command is answered with
//     NOT_LEADER, and late completions from the old epoch are dropped.
//   - A new epoch rebuilds its registry from the index and definition
//     streams and restarts projections whose definition is enabled.
package manager
