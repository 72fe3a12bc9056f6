package fault

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

// Alert is the persisted record of a high or critical fault.
type Alert struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Severity  string         `json:"severity"`
	Op        string         `json:"op,omitempty"`
	TaskType  string         `json:"task_type,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   string         `json:"message"`
	Error     string         `json:"error"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AlertSink persists alerts. The store implements it.
type AlertSink interface {
	AppendAlert(ctx context.Context, a Alert) error
}

// Response is the user-safe view of a handled fault. It never carries the
// raw internal error text.
type Response struct {
	Kind     Kind           `json:"kind"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	TaskType string         `json:"task_type,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	AlertID  string         `json:"alert_id,omitempty"`
	Time     time.Time      `json:"time"`
}

type HandlerOptions struct {
	// AlertRate and AlertBurst bound how many alerts are persisted per second.
	// Zero AlertRate means unlimited.
	AlertRate  float64
	AlertBurst int
}

type Handler struct {
	log     logx.Logger
	sink    AlertSink
	bus     eventbus.Bus
	limiter *rate.Limiter

	handled    atomic.Uint64
	alerts     atomic.Uint64
	suppressed atomic.Uint64

	now func() time.Time
}

func NewHandler(log logx.Logger, sink AlertSink, bus eventbus.Bus, opt HandlerOptions) *Handler {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	h := &Handler{
		log:  log.With(logx.String("comp", "fault")),
		sink: sink,
		bus:  bus,
		now:  time.Now,
	}
	if opt.AlertRate > 0 {
		burst := opt.AlertBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opt.AlertRate), burst)
	}
	return h
}

// Handle classifies err, logs it, persists an alert when it is severe enough
// and returns the user-safe response. A nil err yields a zero Response.
func (h *Handler) Handle(ctx context.Context, err error, details map[string]any) Response {
	fe := Classify(err)
	if fe == nil {
		return Response{}
	}
	h.handled.Add(1)

	merged := make(map[string]any, len(fe.Details)+len(details))
	for k, v := range fe.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	safe := Redact(merged)

	resp := Response{
		Kind:     fe.Kind,
		Severity: fe.Severity.String(),
		Message:  fe.Kind.Message(),
		TaskType: fe.TaskType,
		TaskID:   fe.TaskID,
		Time:     h.now(),
	}
	if len(safe) > 0 {
		resp.Details = safe
	}

	fields := []logx.Field{
		logx.String("kind", string(fe.Kind)),
		logx.String("severity", resp.Severity),
		logx.Err(fe.Err),
	}
	if fe.Op != "" {
		fields = append(fields, logx.String("op", fe.Op))
	}
	if fe.TaskType != "" {
		fields = append(fields, logx.String("task_type", fe.TaskType), logx.String("task_id", fe.TaskID))
	}
	if len(safe) > 0 {
		fields = append(fields, logx.Any("details", safe))
	}
	h.log.Log(logLevel(fe.Severity), "scheduler fault", fields...)

	if !fe.Severity.Alertable() {
		return resp
	}
	if h.limiter != nil && !h.limiter.Allow() {
		n := h.suppressed.Add(1)
		h.log.Debug("alert suppressed (rate limited)", logx.Uint64("suppressed_total", n))
		return resp
	}

	a := Alert{
		ID:        uuid.NewString(),
		Kind:      fe.Kind,
		Severity:  resp.Severity,
		Op:        fe.Op,
		TaskType:  fe.TaskType,
		TaskID:    fe.TaskID,
		Message:   resp.Message,
		Error:     errText(fe.Err),
		Details:   safe,
		CreatedAt: resp.Time,
	}
	if h.sink != nil {
		if serr := h.sink.AppendAlert(ctx, a); serr != nil {
			h.log.Warn("alert persist failed", logx.Err(serr), logx.String("kind", string(fe.Kind)))
		} else {
			resp.AlertID = a.ID
		}
	}
	h.alerts.Add(1)
	h.bus.Publish(eventbus.Event{
		Type: eventbus.TypeAlert,
		Time: a.CreatedAt,
		Payload: map[string]any{
			"alert_id":  a.ID,
			"kind":      string(a.Kind),
			"severity":  a.Severity,
			"task_type": a.TaskType,
			"task_id":   a.TaskID,
			"message":   a.Message,
		},
	})
	return resp
}

// Stats reports counters since construction.
func (h *Handler) Stats() (handled, alerts, suppressed uint64) {
	return h.handled.Load(), h.alerts.Load(), h.suppressed.Load()
}

func logLevel(s Severity) logx.Level {
	switch s {
	case SeverityCritical, SeverityHigh:
		return logx.LevelError
	case SeverityMedium:
		return logx.LevelWarn
	default:
		return logx.LevelInfo
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var sensitiveMarkers = []string{"password", "token", "secret", "credential"}

// Redact returns a copy of m with sensitive keys masked, descending into
// nested maps and slices.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if containsAny(strings.ToLower(k), sensitiveMarkers) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return Redact(x)
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return Redact(m)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = redactValue(x[i])
		}
		return out
	default:
		return v
	}
}
