// Package runner defines how a single task attempt is executed and ships the
// built-in runners. The execution loop only sees the Runner interface; a
// Registry dispatches on the task's type.
package runner
