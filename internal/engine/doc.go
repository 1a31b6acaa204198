// Package engine provides the asynchronous persistence-task execution engine.
// A Container accepts work, a Runner executes it on a bounded set of
// goroutines inside a managed transaction, and a Messenger delivers the
// outcome to the work's callbacks on the configured delivery context.
// Callers observe progress through the returned Executable.
package engine
