// Package syncentry implements the blocking file primitives behind a cache
// entry. Every function here performs disk I/O and runs on a worker
// goroutine; the engine applies the returned results on its own sequence.
//
// An entry with key K and hash H is stored as:
//
//	<H>_0   header | K | stream 1 | EOF(1) | stream 0 | SHA-256(K) | EOF(0)
//	<H>_1   header | K | stream 2 | EOF(2)        (absent while stream 2 is empty)
//	<H>_s   header | K | { range header | range data }*
//
// All integers are little-endian.
package syncentry
