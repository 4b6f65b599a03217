// Package mongo provides a MongoDB-backed implementation of run.Store. Build
// the low-level client via features/run/mongo/clients/mongo and pass it to
// NewStore so run records survive process restarts and are shared across
// server replicas. The compare-and-set semantics of Swap map onto a state
// guard in the replace filter, so concurrent writers racing on the same run
// are arbitrated by the database exactly as they are by the in-memory store.
package mongo
