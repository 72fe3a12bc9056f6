// Package task defines the work-item model shared by every task type and the
// executor contract task types implement.
//
// The scheduler only ever mutates status, the execution timestamps, the
// failure bookkeeping and NextExecution; Payload is opaque to it.
package task
