// Package events publishes task lifecycle events to interested consumers.
//
// The scheduler emits an event whenever a task changes state (submitted,
// claimed, completed, failed, cancelled). Emitters are best-effort: a slow
// or failing consumer must never block or fail the scheduler, so Emit has
// no error return and implementations log their own delivery problems.
package events
