// Package index keeps the in-memory view of every entry in the cache
// directory: last-used time, disk usage and trailer prefetch size per hash.
// It answers existence and size queries without touching the disk, drives
// LRU eviction through its Delegate, and persists itself to
// index-dir/the-real-index, rebuilding from a directory scan when that file
// is missing or stale.
//
// All methods must be called on the owning dispatch.Sequence.
package index
