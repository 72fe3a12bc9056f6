// Package store is the scheduler's persistence layer on SQLite.
//
// It holds the task rows shared by every task type, the append-only
// execution and scheduler event logs, cumulative and per-tenant statistics,
// persisted alerts and per-tenant monitor jobs.
//
// Executions never touch the database handle directly. They open a Session
// (a unit of work), merge the task into it, mutate the session-owned copy and
// commit. Sessions hold no connection between calls, so a long-running
// executor never pins SQLite's single writer connection.
package store
