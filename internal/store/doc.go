// Package store defines the persistence interfaces for tasks and the
// queue's pending-set record, plus the error taxonomy shared by every
// store implementation. Concrete implementations live under
// internal/platform.
package store
