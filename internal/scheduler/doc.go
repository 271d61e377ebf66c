// Package scheduler implements the persistent, priority-routed task
// scheduling core: dynamically created queues serving inclusive priority
// ranges, per-queue worker pools with lease-based claiming, exponential
// retry with rollback injection, and orphan recovery after a crash.
//
// A single Scheduler instance owns all in-memory routing state (queue
// registry, exclusive task assignments, round-robin counters); the
// TaskStore is the durable source of truth for task records.
package scheduler
