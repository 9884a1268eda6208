// Package harness runs YAML scenarios against a real coordinator.
//
// Each scenario gets a fresh in-memory SQLite store wrapped in a
// recording store, an in-process core and a manager. Flow steps drive
// leadership, lifecycle commands, the core (progress, checkpoints,
// emits, faults) and store failure injection. Every store call is
// captured, grouped under the step that caused it, and can be compared
// against a golden trace.
//
// # Scenario Format
//
//	name: keep-checkpoint
//	description: "Delete without flags never touches the checkpoint stream"
//	definitions:
//	  - ../projections          # CUE dirs or files, for invoke: apply
//	flow:
//	  - leader: become
//	  - invoke: post
//	    args: { name: test-projection, mode: Continuous, query: "fromAll()", enabled: true, checkpoints: true }
//	    expect: { state: Running }
//	  - advance: { projection: test-projection, position: 42 }
//	  - checkpoint: test-projection
//	  - fail: { op: delete, stream: orders-summary }
//	  - invoke: delete
//	    args: { name: test-projection }
//	    expect: { error: DELETE_FAILED, step: emitted-streams }
//	assertions:
//	  - type: call_count
//	    call: delete $projections-test-projection-checkpoint
//	    count: 0
//	  - type: final_state
//	    projection: test-projection
//	    state: absent
//
// # Golden Traces
//
// FormatTrace renders a result as one line per step followed by the
// store calls it made, indented:
//
//	[2] post test-projection -> ok Running
//	    append $projections-$all $ProjectionCreated
//	    read-backward $projections-test-projection-checkpoint !not-found
//
// Calls made while becoming leader run on concurrent per-projection lanes
// and are ordered by stream name; every other step runs on one lane and
// keeps call order.
//
// # Limitations
//
// Steps run one at a time. The harness waits for each command's reply,
// for restarts after leadership is gained, for faults to land and for
// stop flushes after leadership is lost, so scenarios cannot express
// commands racing each other. Those cases are covered by the manager's
// own tests.
package harness
