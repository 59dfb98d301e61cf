// Package events delivers completion notifications: a push of each
// task id that reaches Completed, with a bounded backlog for
// notifications that could not be pushed while no listener was
// attached. The backlog is flushed to the next listener, or drained
// through the pull API.
package events
