// Package scheduler discovers due tasks, dispatches them under a global
// concurrency cap with one in-flight execution per task, adapts its polling
// interval to workload and escalates persistently failing tasks.
//
// Triggering is built on robfig/cron: one recurring check job (present only
// on the leader), a leadership tick on every instance and optional per-tenant
// monitor jobs. One-time jobs (retries and user jobs) are persisted as
// scheduler events and restored from their original fire time.
package scheduler
