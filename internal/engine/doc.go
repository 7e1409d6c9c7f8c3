// Package engine manages many tasks across repeated progress passes.
//
// Engine partitions the tasks it owns into queues by life-cycle phase and,
// on each Progress call, refreshes in-flight tasks, kills those scheduled for
// cancellation, submits new tasks within the configured caps and retrieves
// the output of finished ones. BgEngine runs Progress periodically on a
// background goroutine and serializes every other access to the engine.
package engine
