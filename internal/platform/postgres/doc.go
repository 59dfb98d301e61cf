// Package postgres provides PostgreSQL-backed implementations of the
// storage interfaces defined in the internal/store package: the
// per-task record store and the queue's persisted pending-set record.
// It handles query execution and the mapping between domain entities
// and database rows.
package postgres
