// Package scheduler turns task definitions into live recurring executions.
//
// Every definition gets its own cron instance (its own goroutines), so a slow
// task never delays another definition's firing. The Service keeps the live
// registry, guarantees at most one execution per definition at a time, and
// can suspend every running task into a Memento and resume them later.
package scheduler
