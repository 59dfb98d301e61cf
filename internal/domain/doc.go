// Package domain defines the core business entities of the task queue:
// tasks, their specs, statuses, and results, along with the validation
// rules that guard them.
package domain
