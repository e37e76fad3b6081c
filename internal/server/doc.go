// Package server hosts the Fiber inspection API of a running cache. It is
// a thin HTTP surface over cache.Client: every handler issues blocking
// client calls with the request context, so a slow disk never stalls the
// backend sequence itself. Routes live under /-/ and answer JSON except
// for raw stream reads.
package server
