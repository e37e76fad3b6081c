// Package cache is the Simple Cache engine: a disk-backed, key-addressed
// store of byte streams.
//
// A Backend owns one cache directory. It maps every key to a 64-bit hash and
// keeps at most one live Entry per hash; a second lookup for the same key
// shares the existing Entry. Each Entry is a small state machine that queues
// operations in FIFO order and runs the blocking part of each one on a
// worker pool, applying the result back on the backend sequence.
//
// Backend and Entry methods must only be called from tasks running on the
// backend's dispatch.Sequence. Callbacks are always delivered on that
// sequence. Goroutines outside it use Client, which posts the calls and waits
// for their callbacks.
//
// Operations that cannot finish immediately return ErrIOPending and report
// their outcome exactly once through their callback.
package cache
