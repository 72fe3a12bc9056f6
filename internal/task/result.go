package task

import (
	"encoding/json"
	"time"
)

// Result is the outcome of one execution attempt. It is a value: handlers
// copy it around but never modify it after the executor returns.
type Result struct {
	Success       bool            `json:"success"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Data          json.RawMessage `json:"result_data,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time_ms"`
	Retryable     bool            `json:"retryable"`
	RetryDelay    time.Duration   `json:"retry_delay"`
}

func Succeeded(data any) Result {
	r := Result{Success: true}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			r.Data = b
		}
	}
	return r
}

// Failed is a non-retryable failure.
func Failed(msg string) Result {
	return Result{ErrorMessage: msg}
}

// RetryAfter is a retryable failure with a suggested delay.
func RetryAfter(msg string, delay time.Duration) Result {
	if delay < 0 {
		delay = 0
	}
	return Result{ErrorMessage: msg, Retryable: true, RetryDelay: delay}
}

// MarshalJSON renders durations as integers (milliseconds / seconds) so the
// persisted execution log stays language neutral.
func (r Result) MarshalJSON() ([]byte, error) {
	type wire struct {
		Success         bool            `json:"success"`
		ErrorMessage    string          `json:"error_message,omitempty"`
		Data            json.RawMessage `json:"result_data,omitempty"`
		ExecutionTimeMS int64           `json:"execution_time_ms"`
		Retryable       bool            `json:"retryable"`
		RetryDelaySec   int64           `json:"retry_delay"`
	}
	return json.Marshal(wire{
		Success:         r.Success,
		ErrorMessage:    r.ErrorMessage,
		Data:            r.Data,
		ExecutionTimeMS: r.ExecutionTime.Milliseconds(),
		Retryable:       r.Retryable,
		RetryDelaySec:   int64(r.RetryDelay / time.Second),
	})
}
