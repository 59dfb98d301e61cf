// Package queue implements the admission-control and dispatch core:
// an ordered pending set and a bounded active set guarded by a single
// exclusive section, persisted across restarts, reconciled against the
// execution facility when the two can have diverged.
package queue
