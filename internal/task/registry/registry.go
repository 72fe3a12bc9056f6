// Package registry maps task types to their executor and due-item loader.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cadence/internal/task"
	logx "cadence/pkg/logx"
)

var ErrUnknownType = errors.New("unknown task type")

// Loader returns every currently-due item of one type. tenant == "" means
// all tenants. Implementations apply the due predicate themselves.
type Loader func(ctx context.Context, tenant string) ([]*task.Task, error)

type Entry struct {
	Type     string
	Executor task.Executor
	Loader   Loader
}

// Registry is a lookup table. Iteration order is registration order.
type Registry struct {
	mu      sync.RWMutex
	log     logx.Logger
	order   []string
	entries map[string]Entry
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, entries: map[string]Entry{}}
}

// Register adds or silently replaces (with a warning) the entry for taskType.
func (r *Registry) Register(taskType string, exec task.Executor, loader Loader) error {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return fmt.Errorf("task type required")
	}
	if exec == nil {
		return fmt.Errorf("register %s: executor is nil", taskType)
	}
	if loader == nil {
		return fmt.Errorf("register %s: loader is nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[taskType]; exists {
		r.log.Warn("task type re-registered; overwriting", logx.String("type", taskType))
	} else {
		r.order = append(r.order, taskType)
	}
	r.entries[taskType] = Entry{Type: taskType, Executor: exec, Loader: loader}
	r.log.Debug("task type registered", logx.String("type", taskType))
	return nil
}

func (r *Registry) Lookup(taskType string) (Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[taskType]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownType, taskType)
	}
	return e, nil
}

// Types returns registered types in insertion order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
