// Package engine drives workflow executions to a terminal status.
//
// An Executor runs the execution loop for one persisted execution: it asks
// the store for ready tasks, claims them with a conditional update, runs them
// concurrently through a runner.Runner and records each outcome, retrying
// failures according to a retry.Policy. Engine starts and resumes loops in
// the background for the HTTP server, Reconciler recovers tasks whose
// executor disappeared, and RunInMemory runs the same loop without a store.
package engine
