package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusActive            Status = "active"
	StatusPaused            Status = "paused"
	StatusRunning           Status = "running"
	StatusFailed            Status = "failed"
	StatusNeedsIntervention Status = "needs_intervention"
)

// AutoRunnable reports whether a task in this status may be picked up by a
// scheduler-triggered check cycle.
func (s Status) AutoRunnable() bool {
	return s == StatusActive || s == StatusFailed
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Trigger says who started an execution.
type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerRetry     Trigger = "retry"
	TriggerManual    Trigger = "manual"
)

// Manual triggers bypass the needs_intervention skip.
func (t Trigger) Manual() bool { return t == TriggerManual }

// FailurePattern is the snapshot recorded when the failure detector runs.
type FailurePattern struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RecentFailures      int       `json:"recent_failures"`
	Reason              string    `json:"reason"`
	Signatures          []string  `json:"signatures,omitempty"`
	CoolOffUntil        time.Time `json:"cool_off_until,omitempty"`
	DetectedAt          time.Time `json:"detected_at"`
}

// Task is a schedulable work item. Type+ID is its stable identity.
type Task struct {
	Type     string   `json:"type"`
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id,omitempty"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority,omitempty"`

	Frequency     Frequency  `json:"frequency"`
	NextExecution *time.Time `json:"next_execution,omitempty"`
	LastExecuted  *time.Time `json:"last_executed,omitempty"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`

	ConsecutiveFailures int             `json:"consecutive_failures"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	FailurePattern      *FailurePattern `json:"failure_pattern,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key is the lease key of the task.
func (t *Task) Key() string { return Key(t.Type, t.ID) }

func Key(taskType, id string) string { return taskType + ":" + id }

// Due reports whether the task would be picked up by a loader at now.
func (t *Task) Due(now time.Time) bool {
	if !t.Status.AutoRunnable() {
		return false
	}
	return t.NextExecution == nil || !t.NextExecution.After(now)
}

// Clone returns a deep copy so a session never shares memory with the caller.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.NextExecution = cloneTime(t.NextExecution)
	cp.LastExecuted = cloneTime(t.LastExecuted)
	cp.LastSuccess = cloneTime(t.LastSuccess)
	cp.LastFailure = cloneTime(t.LastFailure)
	if t.FailurePattern != nil {
		fp := *t.FailurePattern
		fp.Signatures = append([]string(nil), t.FailurePattern.Signatures...)
		cp.FailurePattern = &fp
	}
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return &cp
}

// DecodePayload unmarshals the opaque payload into v.
func (t *Task) DecodePayload(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, v)
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }
