// Package dispatch provides the execution substrate of the cache engine.
//
// A Sequence is a single goroutine that runs posted closures one at a time in
// posting order; all backend and entry state is confined to one Sequence. A
// WorkerPool runs blocking file work on a fixed set of goroutines. The
// PrioritizedTaskRunner couples the two: a task runs on the pool and its reply
// is delivered back to the Sequence, with both halves ordered by priority and
// then by submission order.
package dispatch
