// Package httpcheck is a reference executor: it fetches a URL from the task
// payload and reports success for any 2xx response.
package httpcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cadence/internal/task"
	logx "cadence/pkg/logx"
)

// TaskType is the registry key of this executor.
const TaskType = "http_check"

const (
	defaultTimeout    = 15 * time.Second
	defaultRetryDelay = time.Minute
	maxBodyDrain      = 64 << 10
)

// Payload is the task payload understood by the executor.
type Payload struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

type Config struct {
	Timeout   time.Duration
	UserAgent string
}

type Executor struct {
	task.BaseExecutor

	client    *http.Client
	userAgent string
	log       logx.Logger
	now       func() time.Time
}

func New(cfg Config, log logx.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "cadence-httpcheck/1"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		log:       log.With(logx.String("comp", "executor"), logx.String("type", TaskType)),
		now:       time.Now,
	}
}

type checkData struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	LatencyMS  int64  `json:"latency_ms"`
}

func (e *Executor) Execute(ctx context.Context, t *task.Task) task.Result {
	var p Payload
	if err := t.DecodePayload(&p); err != nil {
		return task.Failed("invalid payload: " + err.Error())
	}
	if strings.TrimSpace(p.URL) == "" {
		return task.Failed("payload url is required")
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return task.Failed("build request: " + err.Error())
	}
	req.Header.Set("User-Agent", e.userAgent)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return task.Failed("canceled")
		}
		// Network errors are transient from the scheduler's point of view.
		return task.RetryAfter("request failed: "+err.Error(), defaultRetryDelay)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyDrain))
	latency := time.Since(start)

	data := checkData{URL: p.URL, StatusCode: resp.StatusCode, LatencyMS: latency.Milliseconds()}
	e.log.Debug("http check", logx.String("task_id", t.ID), logx.Int("status", resp.StatusCode), logx.Duration("latency", latency))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res := task.Succeeded(data)
		res.ExecutionTime = latency
		return res
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		delay := retryAfter(resp.Header.Get("Retry-After"), e.now())
		res := task.RetryAfter(fmt.Sprintf("unexpected status %d", resp.StatusCode), delay)
		res.ExecutionTime = latency
		return res
	default:
		res := task.Failed(fmt.Sprintf("unexpected status %d", resp.StatusCode))
		res.ExecutionTime = latency
		return res
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Missing or unparsable values yield the default delay.
func retryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultRetryDelay
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return defaultRetryDelay
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryDelay
}
