package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is used when a queue is created without an explicit
// poll interval.
const DefaultPollInterval = 5 * time.Second

// QueueConfig describes a queue to be created.
type QueueConfig struct {
	Name         string
	PriorityMin  int
	PriorityMax  int
	MinWorkers   int
	MaxWorkers   int
	PollInterval time.Duration
	AutoScale    bool
}

// QueueDefinition is a created queue as reported to callers.
type QueueDefinition struct {
	ID string
	QueueConfig
	CreatedAt time.Time
	Dynamic   bool
}

// contains reports whether the queue's inclusive range covers the priority.
func (d QueueDefinition) contains(priority int) bool {
	return priority >= d.PriorityMin && priority <= d.PriorityMax
}

// rangeWidth is the selectivity measure used by the router: narrower
// ranges are more specific and win over wider ones.
func (d QueueDefinition) rangeWidth() int {
	return d.PriorityMax - d.PriorityMin
}

// WorkerStats is a point-in-time view of one worker.
type WorkerStats struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	TasksProcessed int64     `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}

// QueueStats is a point-in-time view of one queue and its workers.
type QueueStats struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	PriorityMin    int           `json:"priority_min"`
	PriorityMax    int           `json:"priority_max"`
	MinWorkers     int           `json:"min_workers"`
	MaxWorkers     int           `json:"max_workers"`
	ActiveWorkers  int           `json:"active_workers"`
	PendingTasks   int           `json:"pending_tasks"`
	ProcessedTasks int64         `json:"processed_tasks"`
	PollInterval   time.Duration `json:"poll_interval"`
	AutoScale      bool          `json:"auto_scale"`
	Dynamic        bool          `json:"dynamic"`
	CreatedAt      time.Time     `json:"created_at"`
	Workers        []WorkerStats `json:"workers"`
}

// ScalingResult reports the outcome of a manual worker scaling call.
type ScalingResult struct {
	QueueID         string `json:"queue_id"`
	QueueName       string `json:"queue_name"`
	PreviousWorkers int    `json:"previous_workers"`
	TargetWorkers   int    `json:"target_workers"`
	ActiveWorkers   int    `json:"active_workers"`
}

// workerHandle is the scheduler's record of one running worker loop.
type workerHandle struct {
	id        string
	createdAt time.Time
	cancel    context.CancelFunc
	processed atomic.Int64
	lastSeen  atomic.Int64 // unix nanos of last claim activity
}

func (w *workerHandle) touch() {
	w.lastSeen.Store(time.Now().UnixNano())
}

func (w *workerHandle) lastActivity() time.Time {
	return time.Unix(0, w.lastSeen.Load())
}

// queueRuntime holds the live state of one queue: its definition, its
// notification primitive, and the set of running workers. The workers map
// is guarded by mu; queue creation/removal racing with worker loops is
// resolved through per-worker contexts.
type queueRuntime struct {
	def      QueueDefinition
	notifier *notifier

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*workerHandle

	processed atomic.Int64
}

func newQueueRuntime(parent context.Context, def QueueDefinition) *queueRuntime {
	ctx, cancel := context.WithCancel(parent)
	return &queueRuntime{
		def:      def,
		notifier: newNotifier(),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*workerHandle),
	}
}

func (q *queueRuntime) activeWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

func (q *queueRuntime) workerStats() []WorkerStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make([]WorkerStats, 0, len(q.workers))
	for _, w := range q.workers {
		stats = append(stats, WorkerStats{
			ID:             w.id,
			CreatedAt:      w.createdAt,
			TasksProcessed: w.processed.Load(),
			LastActivity:   w.lastActivity(),
		})
	}
	return stats
}

// claimBatchLimit caps how many tasks one worker iteration may claim before
// yielding, so a busy queue cannot starve the others. Queues serving the
// most urgent band get a larger batch.
func claimBatchLimit(def QueueDefinition) int {
	if def.PriorityMin <= 2 {
		return 20
	}
	return 10
}
