// Package fault is the scheduler's error taxonomy.
//
// Every component reports failures as *fault.Error values (or lets Classify
// derive one), so logging, alerting and user-facing messages are decided in
// one place by Handler.
package fault

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	KindDatabase        Kind = "database"
	KindTaskExecution   Kind = "task_execution"
	KindTaskLoader      Kind = "task_loader"
	KindSchedulerConfig Kind = "scheduler_config"
	KindRetry           Kind = "retry"
	KindConcurrency     Kind = "concurrency"
	KindTimeout         Kind = "timeout"
)

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Alertable reports whether faults of this severity are persisted as alerts.
func (s Severity) Alertable() bool { return s >= SeverityHigh }

// DefaultSeverity is the severity a kind carries unless overridden.
func (k Kind) DefaultSeverity() Severity {
	switch k {
	case KindDatabase:
		return SeverityCritical
	case KindTimeout, KindConcurrency, KindSchedulerConfig:
		return SeverityHigh
	case KindRetry:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Message is the canned, user-safe text for a kind.
func (k Kind) Message() string {
	switch k {
	case KindDatabase:
		return "A storage error occurred. The scheduler will try again on the next check cycle."
	case KindTaskLoader:
		return "Due tasks could not be loaded for this task type."
	case KindSchedulerConfig:
		return "The scheduler configuration is invalid. Fix it and reload."
	case KindRetry:
		return "The task could not be scheduled for another attempt."
	case KindConcurrency:
		return "The task is already being processed. Try again later."
	case KindTimeout:
		return "The operation took too long and was stopped."
	default:
		return "The task failed to run. It will be retried according to its schedule."
	}
}

// Error is a tagged scheduler error.
type Error struct {
	Kind     Kind
	Severity Severity
	Op       string
	TaskType string
	TaskID   string
	Err      error
	Details  map[string]any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.TaskType != "" || e.TaskID != "" {
		b.WriteString(" [")
		b.WriteString(e.TaskType)
		b.WriteString(":")
		b.WriteString(e.TaskID)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New tags err with kind. Severity defaults from the kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Severity: kind.DefaultSeverity(), Op: op, Err: err}
}

// Wrap is New for call sites that return plain errors; it keeps nil as nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, err)
}

// WithTask attaches the task identity.
func (e *Error) WithTask(taskType, id string) *Error {
	e.TaskType = taskType
	e.TaskID = id
	return e
}

// WithSeverity overrides the kind's default.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

func (e *Error) WithDetail(k string, v any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[k] = v
	return e
}

// IsKind reports whether err carries a fault tag of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

var (
	timeoutMarkers  = []string{"timeout", "timed out", "deadline exceeded"}
	databaseMarkers = []string{"connection refused", "bad connection", "database", "sql:", "no such table", "sqlite", "redis: "}

	// Whole words only: "blocked" or "raceway" are ordinary failures.
	concurrencyPattern = regexp.MustCompile(`\b(deadlock(ed)?|lock(ed|s)?|race( condition)?|concurrent(ly)?|lease(d|s)?)\b`)
)

// Classify maps any error to a tagged fault. Already-tagged errors are
// returned unchanged; others are matched, in order, as storage or
// connectivity failures, timeouts, lock or race failures, and finally
// generic execution failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isDatabase(err, msg):
		return New(KindDatabase, "", err)
	case errors.Is(err, context.DeadlineExceeded) || containsAny(msg, timeoutMarkers):
		return New(KindTimeout, "", err)
	case concurrencyPattern.MatchString(msg):
		return New(KindConcurrency, "", err)
	default:
		return New(KindTaskExecution, "", err)
	}
}

func isDatabase(err error, msg string) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return containsAny(msg, databaseMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
