package scheduler

import "sync"

// rrKey identifies one round-robin rotation: submissions at the same
// priority cycling through queues with the same exact range.
type rrKey struct {
	priority int
	min      int
	max      int
}

// assignmentRouter owns the exclusive task-to-queue assignment map and the
// round-robin counters. Both are process-wide mutable state guarded by a
// single critical section, created empty at scheduler start and cleared at
// stop.
type assignmentRouter struct {
	mu          sync.Mutex
	assignments map[string]string // task id -> queue id
	counters    map[rrKey]int
}

func newAssignmentRouter() *assignmentRouter {
	return &assignmentRouter{
		assignments: make(map[string]string),
		counters:    make(map[rrKey]int),
	}
}

// selectQueue picks exactly one compatible queue for the priority, or
// ("", false) when no queue's range contains it:
//
//  1. keep queues whose inclusive range contains the priority;
//  2. among those, keep only the group with the narrowest range (most
//     specific match);
//  3. with k>1 equally specific queues, rotate through them with a counter
//     keyed by (priority, range), so successive same-priority submissions
//     spread evenly across the group.
func (r *assignmentRouter) selectQueue(queues []QueueDefinition, priority int) (string, bool) {
	var candidates []QueueDefinition
	bestWidth := -1
	for _, q := range queues {
		if !q.contains(priority) {
			continue
		}
		switch w := q.rangeWidth(); {
		case bestWidth == -1 || w < bestWidth:
			bestWidth = w
			candidates = candidates[:0]
			candidates = append(candidates, q)
		case w == bestWidth:
			candidates = append(candidates, q)
		}
	}

	if len(candidates) == 0 {
		return "", false
	}
	if len(candidates) == 1 {
		return candidates[0].ID, true
	}

	// All candidates share the same width but may differ in bounds; the
	// rotation key uses the winning group's exact range, which is uniform
	// only when min/max match. Group strictly by (min, max) to keep the
	// counter meaningful.
	group := candidates[:0:0]
	min, max := candidates[0].PriorityMin, candidates[0].PriorityMax
	for _, q := range candidates {
		if q.PriorityMin == min && q.PriorityMax == max {
			group = append(group, q)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := rrKey{priority: priority, min: min, max: max}
	idx := r.counters[key] % len(group)
	r.counters[key]++
	return group[idx].ID, true
}

// assign records the exclusive binding of a task to a queue.
func (r *assignmentRouter) assign(taskID, queueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[taskID] = queueID
}

// release drops the task's assignment. Idempotent.
func (r *assignmentRouter) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, taskID)
}

// queueFor returns the queue a task is assigned to, if any.
func (r *assignmentRouter) queueFor(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queueID, ok := r.assignments[taskID]
	return queueID, ok
}

// tasksFor returns the ids of all tasks currently assigned to the queue.
func (r *assignmentRouter) tasksFor(queueID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for taskID, qid := range r.assignments {
		if qid == queueID {
			ids = append(ids, taskID)
		}
	}
	return ids
}

// assignedCount returns the total number of live assignments.
func (r *assignmentRouter) assignedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assignments)
}

// isAssigned reports whether the task has an assignment.
func (r *assignmentRouter) isAssigned(taskID string) bool {
	_, ok := r.queueFor(taskID)
	return ok
}

// reset clears all assignments and counters.
func (r *assignmentRouter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = make(map[string]string)
	r.counters = make(map[rrKey]int)
}
