// Package core is the coordinator's view of the projection execution
// engine: the subordinate that actually runs projection queries.
//
// The coordinator only starts and stops projections and listens for
// faults; it never looks inside a running projection. Core is that
// contract. LocalCore is an in-process implementation that tracks running
// projections, their positions and emitted streams, and flushes a final
// checkpoint before acknowledging a stop. It runs no query language; it
// is driven by callers through Advance, Emit and Fail.
package core
