// Package cacheutil holds the pure helpers shared by the cache engine: key
// hashing, on-disk file naming, the conversions between logical stream sizes
// and physical file sizes, and the default size policy used when no explicit
// ceiling is configured.
package cacheutil
