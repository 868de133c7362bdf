// Package executor runs batches of logical REST operations against a
// dispatch.Adapter and aggregates their results.
//
// # Overview
//
// A batch is an ordered list of raw operation descriptors plus an execution
// mode. The executor processes the descriptors strictly one after another,
// because any descriptor may reference the result of an earlier one:
//
//	[
//	  {"method": "post", "data_type": ["user"], "data": {"username": "u1", ...}},
//	  {"method": "get",  "data_type": ["user", "<<0[data][id]>>"]}
//	]
//
// # Per-operation pipeline
//
// For the operation at index i the executor:
//  1. Checks the context. A done context truncates the batch.
//  2. Normalizes the descriptor with operation.Normalizer. A shape violation
//     is fatal for the batch.
//  3. Resolves references in the address, query, headers and body against
//     the envelopes of operations 0..i-1.
//  4. Builds the canonical path and dispatches the request exactly once.
//  5. Records the result envelope, which later operations may reference as
//     {"method", "path", "version", "status", "data"}.
//
// # Outcomes
//
// Every operation ends in exactly one of these outcomes:
//
//	structural failure   envelope {path: "bulk", status: 500, data: field errors}; batch stops
//	reference failure    status 400, error_type ReferenceError; batch continues
//	protocol rejection   status of the rejection; outer status escalates; batch stops
//	unexpected failure   status 500, error_type from dispatch.Kind; batch continues
//	resource response    status and data verbatim
//
// # Modes
//
// BestEffort dispatches each operation on the adapter directly. The outer
// status is 200 unless a fatal outcome stopped the batch.
//
// Atomic opens one dispatch.Scope for the whole batch. When any envelope
// carries a status of 400 or more, or the batch was stopped, the scope is
// rolled back and the outer status is the configured failed status (502 by
// default), or the fatal status when one occurred. Otherwise the scope is
// committed and the outer status is 200. Envelopes are returned in both
// cases.
//
// # Cancellation
//
// When the context is done before an operation starts, the executor appends
// a synthetic envelope on path "bulk" with status 503 (canceled) or 504
// (deadline exceeded) and stops. An open scope is rolled back with a context
// that is detached from the caller's cancellation.
//
// # Events
//
// The executor publishes events.BatchStart and events.BatchFinish around a
// batch, and events.OperationStart and events.OperationFinish around each
// operation, through the global eventbus.
package executor
