package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the scheduler.
const (
	TypeSchedulerStarted = "scheduler_started"
	TypeSchedulerStopped = "scheduler_stopped"
	TypeCheckCycle       = "check_cycle"
	TypeIntervalAdjusted = "interval_adjusted"
	TypeLeadership       = "leadership_changed"
	TypeTaskFailed       = "task_failed"
	TypeTaskCooledOff    = "task_cooled_off"
	TypeAlert            = "fault_alert"
	TypeOnceScheduled    = "once_scheduled"
	TypeOnceCompleted    = "once_completed"
	TypeOnceFailed       = "once_failed"
	TypeOnceSkipped      = "once_skipped"
)

// Count keys of check_cycle events. The cumulative statistics are rebuilt
// from these, so they are part of the persisted schema.
const (
	CountFound      = "found"
	CountDispatched = "dispatched"
	CountSkipped    = "skipped"
	CountErrors     = "loader_errors"
	CountWorkload   = "workload"
	CountLeases     = "active_leases"
)

// Payload keys of one-time job events.
const (
	KeyJobID = "job_id"
	KeyFunc  = "func"
	KeyRunAt = "run_at"
	KeyArgs  = "args"
)

// Event is the stable record emitted for observability collaborators.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
//
// Counts and Payload must stay JSON-serializable; the same shape is persisted
// in the scheduler event log.
type Event struct {
	Type    string         `json:"event_type"`
	Time    time.Time      `json:"time"`
	Counts  map[string]int `json:"counts,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Nop is a Bus that drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
