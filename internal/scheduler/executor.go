package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// ExecutorFunc is a task body supplied by the business layer. It receives
// the task's payload and returns a result blob on success. The scheduler
// guarantees at-least-once invocation, so executors must be idempotent.
type ExecutorFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// ExecutorRegistry maps task types to their executors. The registry is
// owned by the business layer; the scheduler only resolves types at
// execution time.
type ExecutorRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ExecutorFunc
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{handlers: make(map[string]ExecutorFunc)}
}

// Register binds a task type to its executor, replacing any previous binding.
func (r *ExecutorRegistry) Register(taskType string, fn ExecutorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = fn
}

// Get returns the executor for a task type, and whether one is registered.
func (r *ExecutorRegistry) Get(taskType string) (ExecutorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[taskType]
	return fn, ok
}

// Types returns the registered task types in sorted order.
func (r *ExecutorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
