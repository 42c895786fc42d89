// Package store provides limitkit.Storage backends.
//
// Memory keeps counters in process and is the reference implementation.
// Redis shares counters between instances through a Redis server and
// decides batches with limitkit.IsLimited. Instrumented wraps either one
// with Prometheus metrics.
package store

import "github.com/nhalm/limitkit"

var (
	_ limitkit.Storage = (*Memory)(nil)
	_ limitkit.Storage = (*Redis)(nil)
	_ limitkit.Storage = (*Instrumented)(nil)
)

// Purger is implemented by backends that must be told to reclaim expired
// counters. Redis expires keys on its own and does not implement it.
type Purger interface {
	PurgeExpired() int
}
