package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/events"
)

// DefaultLeaseTimeout is how long a worker's claim on a task is honored
// before another worker may reclaim it.
const DefaultLeaseTimeout = 5 * time.Minute

// Config holds scheduler-wide settings.
type Config struct {
	// LeaseTimeout bounds a worker's exclusive claim on a task. A task
	// still processing past this age is presumed abandoned.
	LeaseTimeout time.Duration

	// DefaultMaxRetries is the retry budget applied to injected rollback
	// tasks (submissions specify their own budget).
	DefaultMaxRetries int

	// DefaultPriority is assigned to task types without a configured
	// priority.
	DefaultPriority int

	// DefaultQueues are created (non-dynamic) when the scheduler starts.
	DefaultQueues []QueueConfig
}

// DefaultConfig returns a Config with the standard queue set: four queues
// partitioning the 1..10 priority space by urgency.
func DefaultConfig() Config {
	return Config{
		LeaseTimeout:      DefaultLeaseTimeout,
		DefaultMaxRetries: 3,
		DefaultPriority:   DefaultPriority,
		DefaultQueues: []QueueConfig{
			{Name: "critical", PriorityMin: 1, PriorityMax: 2, MinWorkers: 2, MaxWorkers: 8, PollInterval: 2 * time.Second, AutoScale: true},
			{Name: "high", PriorityMin: 3, PriorityMax: 4, MinWorkers: 1, MaxWorkers: 6, PollInterval: 3 * time.Second, AutoScale: true},
			{Name: "normal", PriorityMin: 5, PriorityMax: 7, MinWorkers: 1, MaxWorkers: 4, PollInterval: DefaultPollInterval, AutoScale: true},
			{Name: "bulk", PriorityMin: 8, PriorityMax: 10, MinWorkers: 0, MaxWorkers: 3, PollInterval: 10 * time.Second, AutoScale: true},
		},
	}
}

// SubmitRequest describes a task submission.
type SubmitRequest struct {
	Type            string
	Payload         json.RawMessage
	Priority        *int // nil resolves through the priority map
	MaxRetries      int
	RollbackPayload json.RawMessage
}

// SubmitResult reports the outcome of a submission. Assigned is false when
// no queue's range covers the task's priority; the task is persisted and
// will be routed as soon as a covering queue exists.
type SubmitResult struct {
	TaskID   string
	QueueID  string
	Assigned bool
	Priority int
}

// Stats aggregates scheduler-wide counters for reporting.
type Stats struct {
	Running        bool           `json:"running"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	TaskCounts     map[Status]int `json:"task_counts"`
	TotalTasks     int            `json:"total_tasks"`
	AssignedTasks  int            `json:"assigned_tasks"`
	TasksProcessed int64          `json:"tasks_processed"`
	TasksCompleted int64          `json:"tasks_completed"`
	TasksFailed    int64          `json:"tasks_failed"`
	Queues         []QueueStats   `json:"queues"`
}

type counters struct {
	processed atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Scheduler owns the queue registry, the assignment router, and the worker
// pools. All routing state is per-instance so independent schedulers can
// coexist (and be tested) without shared globals.
type Scheduler struct {
	store      TaskStore
	executors  *ExecutorRegistry
	priorities *PriorityMap
	router     *assignmentRouter
	emitter    events.Emitter
	cfg        Config
	logger     *slog.Logger

	mu        sync.Mutex
	queues    map[string]*queueRuntime
	running   bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	wg    sync.WaitGroup
	stats counters
}

// New creates a Scheduler. The emitter may be nil to disable event
// publishing.
func New(
	store TaskStore,
	executors *ExecutorRegistry,
	emitter events.Emitter,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = DefaultPriority
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}

	return &Scheduler{
		store:      store,
		executors:  executors,
		priorities: NewPriorityMap(cfg.DefaultPriority),
		router:     newAssignmentRouter(),
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger.With("component", "scheduler"),
		queues:     make(map[string]*queueRuntime),
	}
}

// Priorities exposes the priority map for runtime configuration.
func (s *Scheduler) Priorities() *PriorityMap {
	return s.priorities
}

// IsRunning reports whether the scheduler has been started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start creates the default queues, recovers orphaned tasks from a
// previous run, routes any unassigned pending work, and begins processing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduler already running")
		return nil
	}
	s.running = true
	s.startedAt = time.Now().UTC()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	for _, qc := range s.cfg.DefaultQueues {
		if _, err := s.createQueue(ctx, qc, false); err != nil {
			s.Stop()
			return fmt.Errorf("failed to create default queue %q: %w", qc.Name, err)
		}
	}

	if err := s.recoverOrphans(ctx); err != nil {
		s.Stop()
		return fmt.Errorf("failed to recover orphaned tasks: %w", err)
	}

	if err := s.sweepUnassigned(ctx); err != nil {
		s.logger.Warn("failed to route unassigned pending tasks", "error", err)
	}

	s.notifyAll()
	s.logger.Info("scheduler started",
		"queues", len(s.cfg.DefaultQueues),
		"lease_timeout", s.cfg.LeaseTimeout)
	return nil
}

// Stop shuts the scheduler down politely: every loop context is cancelled,
// all notifiers are signalled, and in-flight iterations finish or abandon
// their current claim. Routing state is cleared.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	queues := make([]*queueRuntime, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.queues = make(map[string]*queueRuntime)
	s.mu.Unlock()

	for _, q := range queues {
		q.notifier.Broadcast()
	}
	cancel()
	s.wg.Wait()
	s.router.reset()

	s.logger.Info("scheduler stopped")
}

// Submit persists a new task and routes it to exactly one compatible
// queue. A nil priority resolves through the priority map. An unknown
// executor type is accepted with a warning; execution will fail through
// the normal retry path.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	priority := s.priorities.PriorityFor(req.Type)
	if req.Priority != nil {
		priority = *req.Priority
	}

	if _, ok := s.executors.Get(req.Type); !ok {
		s.logger.Warn("no executor registered for task type",
			"task_type", req.Type)
	}

	now := time.Now().UTC()
	rec := &TaskRecord{
		ID:              uuid.NewString(),
		Type:            req.Type,
		Status:          StatusPending,
		Priority:        priority,
		Payload:         req.Payload,
		MaxRetries:      req.MaxRetries,
		ScheduledAt:     now,
		RollbackPayload: req.RollbackPayload,
		CreatedAt:       now,
	}

	if err := s.store.CreateTask(ctx, rec); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to persist task: %w", err)
	}

	result := SubmitResult{TaskID: rec.ID, Priority: priority}
	if queueID, ok := s.routeTask(rec.ID, priority); ok {
		result.QueueID = queueID
		result.Assigned = true
	} else {
		s.logger.Warn("no queue covers task priority, task left unassigned",
			"task_id", rec.ID,
			"task_type", rec.Type,
			"priority", priority)
	}

	s.emit(ctx, events.TaskEvent{
		Kind:     events.TaskSubmitted,
		TaskID:   rec.ID,
		TaskType: rec.Type,
		QueueID:  result.QueueID,
		At:       now,
	})
	return result, nil
}

// routeTask selects a queue for the priority, records the exclusive
// assignment, and wakes the queue's workers. Returns ("", false) when no
// queue's range contains the priority.
func (s *Scheduler) routeTask(taskID string, priority int) (string, bool) {
	defs := s.queueDefs()
	queueID, ok := s.router.selectQueue(defs, priority)
	if !ok {
		return "", false
	}
	s.router.assign(taskID, queueID)

	s.mu.Lock()
	q, ok := s.queues[queueID]
	s.mu.Unlock()
	if ok {
		q.notifier.Broadcast()
	}
	return queueID, true
}

// GetTask returns the task record for the given id.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns task records matching the filter.
func (s *Scheduler) ListTasks(ctx context.Context, filter ListFilter) ([]*TaskRecord, error) {
	return s.store.ListTasks(ctx, filter)
}

// CancelTask cancels a pending or processing task. Cancellation is polite:
// an in-flight executor call is not preempted, but the record's status
// flips immediately.
func (s *Scheduler) CancelTask(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.CancelTask(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.router.release(id)
	s.emit(ctx, events.TaskEvent{
		Kind:   events.TaskCancelled,
		TaskID: id,
		At:     time.Now().UTC(),
	})
	s.logger.Info("task cancelled", "task_id", id)
	return true, nil
}

// RetryTask manually re-enters a failed task into the pending state and
// routes it again.
func (s *Scheduler) RetryTask(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.ResetForRetry(ctx, id)
	if err != nil || !ok {
		return ok, err
	}

	rec, err := s.store.GetTask(ctx, id)
	if err != nil {
		return true, fmt.Errorf("task reset but reload failed: %w", err)
	}
	if _, routed := s.routeTask(rec.ID, rec.Priority); !routed {
		s.logger.Warn("retried task has no covering queue",
			"task_id", rec.ID,
			"priority", rec.Priority)
	}
	s.logger.Info("task manually retried", "task_id", id)
	return true, nil
}

// DeleteTask removes a task record and drops any assignment it holds.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.DeleteTask(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.router.release(id)
	return true, nil
}

// CleanupOldTasks deletes completed and cancelled tasks finished more than
// olderThan ago, returning the number removed.
func (s *Scheduler) CleanupOldTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	n, err := s.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tasks: %w", err)
	}
	if n > 0 {
		s.logger.Info("old tasks cleaned up", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// CreateQueue creates a dynamic queue at runtime and immediately routes
// any unassigned pending tasks whose priority it covers.
func (s *Scheduler) CreateQueue(ctx context.Context, cfg QueueConfig) (QueueDefinition, error) {
	return s.createQueue(ctx, cfg, true)
}

func (s *Scheduler) createQueue(ctx context.Context, cfg QueueConfig, dynamic bool) (QueueDefinition, error) {
	if cfg.PriorityMin > cfg.PriorityMax {
		return QueueDefinition{}, fmt.Errorf(
			"%w: min %d > max %d", ErrInvalidPriorityRange, cfg.PriorityMin, cfg.PriorityMax)
	}
	if cfg.MinWorkers < 0 || cfg.MaxWorkers < 1 || cfg.MinWorkers > cfg.MaxWorkers {
		return QueueDefinition{}, fmt.Errorf(
			"%w: min %d, max %d", ErrInvalidWorkerBounds, cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return QueueDefinition{}, ErrNotRunning
	}
	for _, existing := range s.queues {
		if existing.def.PriorityMin <= cfg.PriorityMax && cfg.PriorityMin <= existing.def.PriorityMax {
			s.logger.Warn("queue priority range overlaps an existing queue",
				"queue_name", cfg.Name,
				"existing_queue", existing.def.Name,
				"range", fmt.Sprintf("[%d,%d]", cfg.PriorityMin, cfg.PriorityMax),
				"existing_range", fmt.Sprintf("[%d,%d]", existing.def.PriorityMin, existing.def.PriorityMax))
		}
		if existing.def.Name == cfg.Name {
			s.logger.Warn("queue name already in use", "queue_name", cfg.Name)
		}
	}

	def := QueueDefinition{
		ID:          uuid.NewString(),
		QueueConfig: cfg,
		CreatedAt:   time.Now().UTC(),
		Dynamic:     dynamic,
	}
	q := newQueueRuntime(s.ctx, def)
	s.queues[def.ID] = q
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runMonitor(q)
	for i := 0; i < cfg.MinWorkers; i++ {
		s.addWorker(q)
	}

	if err := s.sweepUnassigned(ctx); err != nil {
		s.logger.Warn("failed to sweep unassigned tasks into new queue",
			"queue_id", def.ID,
			"error", err)
	}

	s.logger.Info("queue created",
		"queue_id", def.ID,
		"queue_name", def.Name,
		"priority_range", fmt.Sprintf("[%d,%d]", def.PriorityMin, def.PriorityMax),
		"min_workers", def.MinWorkers,
		"max_workers", def.MaxWorkers,
		"dynamic", dynamic)
	return def, nil
}

// RemoveQueue stops and removes all of the queue's workers and its monitor
// and drops the queue. Every queue is removable, including default ones.
// Pending tasks assigned to the removed queue are re-routed across the
// remaining queues.
func (s *Scheduler) RemoveQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	q, ok := s.queues[id]
	if !ok {
		s.mu.Unlock()
		return ErrQueueNotFound
	}
	delete(s.queues, id)
	s.mu.Unlock()

	q.cancel()
	q.notifier.Broadcast()

	orphaned := s.router.tasksFor(id)
	for _, taskID := range orphaned {
		s.router.release(taskID)
	}
	if len(orphaned) > 0 {
		if err := s.sweepUnassigned(ctx); err != nil {
			s.logger.Warn("failed to re-route tasks from removed queue",
				"queue_id", id,
				"error", err)
		}
	}

	s.logger.Info("queue removed",
		"queue_id", id,
		"queue_name", q.def.Name,
		"reassigned_tasks", len(orphaned))
	return nil
}

// ListQueues returns all queue definitions with live stats.
func (s *Scheduler) ListQueues(ctx context.Context) ([]QueueStats, error) {
	s.mu.Lock()
	runtimes := make([]*queueRuntime, 0, len(s.queues))
	for _, q := range s.queues {
		runtimes = append(runtimes, q)
	}
	s.mu.Unlock()

	sort.Slice(runtimes, func(i, j int) bool {
		if !runtimes[i].def.CreatedAt.Equal(runtimes[j].def.CreatedAt) {
			return runtimes[i].def.CreatedAt.Before(runtimes[j].def.CreatedAt)
		}
		return runtimes[i].def.ID < runtimes[j].def.ID
	})

	stats := make([]QueueStats, 0, len(runtimes))
	for _, q := range runtimes {
		pending, err := s.store.CountPending(ctx, s.router.tasksFor(q.def.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to count pending tasks for queue %s: %w", q.def.ID, err)
		}
		stats = append(stats, QueueStats{
			ID:             q.def.ID,
			Name:           q.def.Name,
			PriorityMin:    q.def.PriorityMin,
			PriorityMax:    q.def.PriorityMax,
			MinWorkers:     q.def.MinWorkers,
			MaxWorkers:     q.def.MaxWorkers,
			ActiveWorkers:  q.activeWorkers(),
			PendingTasks:   pending,
			ProcessedTasks: q.processed.Load(),
			PollInterval:   q.def.PollInterval,
			AutoScale:      q.def.AutoScale,
			Dynamic:        q.def.Dynamic,
			CreatedAt:      q.def.CreatedAt,
			Workers:        q.workerStats(),
		})
	}
	return stats, nil
}

// ScaleWorkers sets a queue's worker count to target. The queue may be
// referenced by id or by name. Target zero drains the queue without
// deleting it; the only ceiling is the queue's own configured MaxWorkers.
func (s *Scheduler) ScaleWorkers(ref string, target int) (ScalingResult, error) {
	q, err := s.findQueue(ref)
	if err != nil {
		return ScalingResult{}, err
	}
	if target < 0 {
		return ScalingResult{}, fmt.Errorf("%w: target %d", ErrInvalidWorkerBounds, target)
	}
	if target > q.def.MaxWorkers {
		return ScalingResult{}, fmt.Errorf(
			"%w: target %d exceeds queue max_workers %d",
			ErrInvalidWorkerBounds, target, q.def.MaxWorkers)
	}

	previous := q.activeWorkers()
	for q.activeWorkers() < target {
		s.addWorker(q)
	}
	for q.activeWorkers() > target {
		s.removeOneWorker(q)
	}

	result := ScalingResult{
		QueueID:         q.def.ID,
		QueueName:       q.def.Name,
		PreviousWorkers: previous,
		TargetWorkers:   target,
		ActiveWorkers:   q.activeWorkers(),
	}
	s.logger.Info("queue workers scaled",
		"queue_id", q.def.ID,
		"queue_name", q.def.Name,
		"previous_workers", previous,
		"target_workers", target)
	return result, nil
}

// SetTaskPriority updates the priority map binding for a task type.
func (s *Scheduler) SetTaskPriority(taskType string, priority int) {
	s.priorities.SetPriority(taskType, priority)
	s.logger.Info("task priority updated", "task_type", taskType, "priority", priority)
}

// GetStats aggregates per-status task counts, per-queue stats, assignment
// counts, and uptime.
func (s *Scheduler) GetStats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	queues, err := s.ListQueues(ctx)
	if err != nil {
		return Stats{}, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()

	var uptime float64
	if running {
		uptime = time.Since(startedAt).Seconds()
	}

	return Stats{
		Running:        running,
		UptimeSeconds:  uptime,
		TaskCounts:     counts,
		TotalTasks:     total,
		AssignedTasks:  s.router.assignedCount(),
		TasksProcessed: s.stats.processed.Load(),
		TasksCompleted: s.stats.completed.Load(),
		TasksFailed:    s.stats.failed.Load(),
		Queues:         queues,
	}, nil
}

// recoverOrphans resets tasks abandoned mid-processing by a previous run.
// Any exclusive assignment the task already holds is preserved, so the
// same queue resumes ownership.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	ids, err := s.store.RecoverOrphans(ctx, s.cfg.LeaseTimeout)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		s.logger.Info("recovered orphaned tasks", "count", len(ids))
	}
	return nil
}

// sweepUnassigned routes pending tasks that have no queue assignment.
// Called at start, when a queue is created, and when a queue is removed.
func (s *Scheduler) sweepUnassigned(ctx context.Context) error {
	pending, err := s.store.ListTasks(ctx, ListFilter{Status: StatusPending, Limit: sweepBatchSize})
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}

	routed := 0
	for _, rec := range pending {
		if s.router.isAssigned(rec.ID) {
			continue
		}
		if _, ok := s.routeTask(rec.ID, rec.Priority); ok {
			routed++
		}
	}
	if routed > 0 {
		s.logger.Info("routed unassigned pending tasks", "count", routed)
	}
	return nil
}

// sweepBatchSize bounds how many pending tasks a single sweep inspects.
const sweepBatchSize = 1000

// findQueue resolves a queue by id, falling back to name lookup.
func (s *Scheduler) findQueue(ref string) (*queueRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[ref]; ok {
		return q, nil
	}
	for _, q := range s.queues {
		if q.def.Name == ref {
			return q, nil
		}
	}
	return nil, ErrQueueNotFound
}

// queueDefs returns a stable snapshot of all queue definitions, ordered by
// creation time so round-robin rotation is deterministic.
func (s *Scheduler) queueDefs() []QueueDefinition {
	s.mu.Lock()
	defs := make([]QueueDefinition, 0, len(s.queues))
	for _, q := range s.queues {
		defs = append(defs, q.def)
	}
	s.mu.Unlock()

	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].CreatedAt.Before(defs[j].CreatedAt)
		}
		return defs[i].ID < defs[j].ID
	})
	return defs
}

// notifyAll wakes the workers of every queue.
func (s *Scheduler) notifyAll() {
	s.mu.Lock()
	queues := make([]*queueRuntime, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()
	for _, q := range queues {
		q.notifier.Broadcast()
	}
}

func (s *Scheduler) emit(ctx context.Context, event events.TaskEvent) {
	if s.emitter != nil {
		s.emitter.Emit(ctx, event)
	}
}
