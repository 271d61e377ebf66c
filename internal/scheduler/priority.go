package scheduler

import "sync"

// DefaultPriority is assigned to task types with no configured priority.
// It is the least urgent of the commonly used bands.
const DefaultPriority = 5

// PriorityMap resolves task types to integer priorities (lower = more
// urgent). Unknown types fall back to the configured default. Safe for
// concurrent use.
type PriorityMap struct {
	mu       sync.RWMutex
	byType   map[string]int
	fallback int
}

// NewPriorityMap creates a PriorityMap with the given fallback priority.
func NewPriorityMap(fallback int) *PriorityMap {
	return &PriorityMap{
		byType:   make(map[string]int),
		fallback: fallback,
	}
}

// PriorityFor returns the configured priority for taskType, or the fallback.
func (m *PriorityMap) PriorityFor(taskType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.byType[taskType]; ok {
		return p
	}
	return m.fallback
}

// SetPriority sets or replaces the priority for a task type at runtime.
func (m *PriorityMap) SetPriority(taskType string, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType[taskType] = priority
}

// Snapshot returns a copy of the current type-to-priority mapping.
func (m *PriorityMap) Snapshot() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.byType))
	for t, p := range m.byType {
		out[t] = p
	}
	return out
}
