// Package queue provides the scan task queue and worker pool. Tasks
// are ordered by priority with FIFO tie-break, executed by a bounded
// set of workers under a per-task timeout, and moved through their
// status lifecycle as they run. A failed task never takes a worker
// down with it.
package queue

import (
	"container/heap"
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
	"github.com/pulsemon/pulse/internal/metrics"
)

// statusWriteTimeout bounds terminal status writes so a slow database
// cannot wedge a worker after its task context is gone.
const statusWriteTimeout = 10 * time.Second

// Store is the persistence surface the queue needs. *db.DB satisfies it.
type Store interface {
	CreateTask(ctx context.Context, task *db.ScanTask) error
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error
	RecordEvent(ctx context.Context, event *db.Event) error
}

// Executor runs one scan task end to end: engine invocation, result
// capture, parsing, and reconciliation. The queue owns status
// transitions; the executor only reports success or failure.
type Executor interface {
	Execute(ctx context.Context, task *db.ScanTask) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *db.ScanTask) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *db.ScanTask) error {
	return f(ctx, task)
}

// Config holds queue and worker pool settings.
type Config struct {
	// MaxWorkers is the number of concurrent scan slots.
	MaxWorkers int
	// Capacity is the maximum number of pending tasks. Submissions
	// past it are rejected rather than buffered without bound.
	Capacity int
	// TaskTimeout bounds each task's execution.
	TaskTimeout time.Duration
	// ShutdownGrace is how long Shutdown waits for in-flight tasks
	// before cancelling them.
	ShutdownGrace time.Duration
	// FailureThreshold is the consecutive-failure count per target
	// that raises a scan_failed warning event. Zero disables it.
	FailureThreshold int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:       4,
		Capacity:         1000,
		TaskTimeout:      10 * time.Minute,
		ShutdownGrace:    30 * time.Second,
		FailureThreshold: 3,
	}
}

// item is one pending task in the priority heap.
type item struct {
	task  *db.ScanTask
	seq   uint64
	index int
}

// taskHeap orders items by priority ascending, then submission order.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue accepts scan tasks and executes them with bounded concurrency.
type Queue struct {
	cfg      Config
	store    Store
	executor Executor
	metrics  *metrics.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	heap     taskHeap
	pending  map[uuid.UUID]*item
	running  map[uuid.UUID]context.CancelFunc
	streaks  map[string]int
	seq      uint64
	shutdown bool

	active    int64
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
}

// New creates a task queue backed by the given store and executor.
func New(cfg Config, store Store, executor Executor, m *metrics.Metrics) *Queue {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		store:    store,
		executor: executor,
		metrics:  m,
		pending:  make(map[uuid.UUID]*item),
		running:  make(map[uuid.UUID]context.CancelFunc),
		streaks:  make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker goroutines.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		logging.InfoDaemon("starting task queue",
			"workers", q.cfg.MaxWorkers,
			"capacity", q.cfg.Capacity,
			"task_timeout", q.cfg.TaskTimeout)

		q.metrics.SetQueueCapacity(q.cfg.Capacity)
		for i := 0; i < q.cfg.MaxWorkers; i++ {
			q.wg.Add(1)
			go q.worker(i)
		}
	})
}

// Submit persists a new task and enqueues it, returning the task ID.
// Returns a queue-full error when the pending set is at capacity.
func (q *Queue) Submit(ctx context.Context, task *db.ScanTask) (uuid.UUID, error) {
	if err := validateTask(task); err != nil {
		return uuid.Nil, err
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return uuid.Nil, errors.NewSchedulerError(errors.CodeCanceled, "task queue is shutting down", "")
	}
	if len(q.heap) >= q.cfg.Capacity {
		q.mu.Unlock()
		q.metrics.IncrementTasksRejected()
		return uuid.Nil, errors.ErrQueueFull(q.cfg.Capacity)
	}
	q.mu.Unlock()

	task.Status = db.TaskStatusPending
	if err := q.store.CreateTask(ctx, task); err != nil {
		return uuid.Nil, err
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		q.finishTask(task, db.TaskStatusCancelled, nil)
		return uuid.Nil, errors.NewSchedulerError(errors.CodeCanceled, "task queue is shutting down", "")
	}
	// Racing submits may have filled the queue while the task row
	// was being written; the bound holds here, not at the pre-check.
	if len(q.heap) >= q.cfg.Capacity {
		q.mu.Unlock()
		q.finishTask(task, db.TaskStatusCancelled, nil)
		q.metrics.IncrementTasksRejected()
		return uuid.Nil, errors.ErrQueueFull(q.cfg.Capacity)
	}
	q.seq++
	it := &item{task: task, seq: q.seq}
	heap.Push(&q.heap, it)
	q.pending[task.ID] = it
	depth := len(q.heap)
	q.cond.Signal()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	logging.InfoScan("task queued", task.Target,
		"task_id", task.ID,
		"profile", task.Profile,
		"priority", task.Priority,
		"queue_depth", depth)

	return task.ID, nil
}

// Cancel removes a pending task or signals a running one. Cancelling
// an unknown or already finished task is an error.
func (q *Queue) Cancel(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()

	if it, ok := q.pending[id]; ok {
		heap.Remove(&q.heap, it.index)
		delete(q.pending, id)
		depth := len(q.heap)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(depth)
		q.finishTask(it.task, db.TaskStatusCancelled, nil)
		logging.InfoScan("pending task cancelled", it.task.Target, "task_id", id)
		return nil
	}

	if cancel, ok := q.running[id]; ok {
		q.mu.Unlock()
		// The worker observes the cancelled context and writes
		// the terminal status once the subprocess exits.
		cancel()
		logging.InfoScan("running task cancellation requested", "", "task_id", id)
		return nil
	}

	q.mu.Unlock()
	return errors.ErrTaskNotFound(id.String())
}

// Depth returns the number of pending tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Active returns the number of tasks currently executing.
func (q *Queue) Active() int {
	return int(atomic.LoadInt64(&q.active))
}

// Shutdown stops intake, waits up to the grace period for in-flight
// tasks, then cancels the remainder. Pending tasks are cancelled
// immediately.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true

	drained := make([]*db.ScanTask, 0, len(q.heap))
	for _, it := range q.pending {
		drained = append(drained, it.task)
	}
	q.heap = nil
	q.pending = make(map[uuid.UUID]*item)
	q.cond.Broadcast()
	q.mu.Unlock()

	logging.InfoDaemon("shutting down task queue",
		"pending_cancelled", len(drained),
		"grace", q.cfg.ShutdownGrace)

	q.metrics.SetQueueDepth(0)
	for _, task := range drained {
		q.finishTask(task, db.TaskStatusCancelled, nil)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.cfg.ShutdownGrace):
		logging.Warn("queue shutdown grace expired, cancelling in-flight tasks")
		q.cancel()
		<-done
	}

	q.cancel()
	logging.InfoDaemon("task queue stopped")
}

// worker pulls tasks off the heap until shutdown drains it.
func (q *Queue) worker(id int) {
	defer q.wg.Done()

	logging.Debug("queue worker started", "worker_id", id)
	defer logging.Debug("queue worker stopped", "worker_id", id)

	for {
		task := q.next()
		if task == nil {
			return
		}
		q.runTask(task)
	}
}

// next blocks until a task is available or the queue shuts down.
func (q *Queue) next() *db.ScanTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 && !q.shutdown {
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return nil
	}

	it := heap.Pop(&q.heap).(*item)
	delete(q.pending, it.task.ID)
	q.metrics.SetQueueDepth(len(q.heap))
	return it.task
}

// runTask executes one task and writes its terminal status. Executor
// failures mark the task failed; the worker itself never dies.
func (q *Queue) runTask(task *db.ScanTask) {
	atomic.AddInt64(&q.active, 1)
	q.metrics.SetActiveWorkers(int(atomic.LoadInt64(&q.active)))
	defer func() {
		atomic.AddInt64(&q.active, -1)
		q.metrics.SetActiveWorkers(int(atomic.LoadInt64(&q.active)))
	}()

	if err := q.updateStatus(task.ID, db.TaskStatusRunning, nil); err != nil {
		// A cancel that raced the pop already moved the task to a
		// terminal state; anything else is a real problem.
		if errors.IsConflict(err) {
			logging.Debug("task no longer runnable", "task_id", task.ID)
		} else {
			logging.ErrorScan("failed to mark task running", task.Target, err, "task_id", task.ID)
		}
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.TaskTimeout)
	q.mu.Lock()
	q.running[task.ID] = cancel
	q.mu.Unlock()

	start := time.Now()
	err := q.executor.Execute(ctx, task)
	duration := time.Since(start)
	ctxErr := ctx.Err()

	q.mu.Lock()
	delete(q.running, task.ID)
	q.mu.Unlock()
	cancel()

	q.settle(task, ctxErr, err, duration)
}

// settle maps an execution outcome to a terminal status and records
// it. ctxErr is the task context's error captured before release, so
// a completed task is never mistaken for a cancelled one.
func (q *Queue) settle(task *db.ScanTask, ctxErr, err error, duration time.Duration) {
	q.metrics.RecordTaskDuration(task.Profile, duration)

	switch {
	case stderrors.Is(ctxErr, context.Canceled):
		q.finishTask(task, db.TaskStatusCancelled, nil)
		logging.InfoScan("task cancelled", task.Target, "task_id", task.ID, "duration", duration)

	case err == nil:
		q.finishTask(task, db.TaskStatusCompleted, nil)
		q.resetStreak(task.Target)
		logging.InfoScan("task completed", task.Target,
			"task_id", task.ID,
			"profile", task.Profile,
			"duration", duration)

	case stderrors.Is(ctxErr, context.DeadlineExceeded) || errors.IsCode(err, errors.CodeToolTimeout):
		msg := "timeout"
		q.finishTask(task, db.TaskStatusFailed, &msg)
		q.metrics.IncrementScanErrors(task.Profile, string(errors.CodeToolTimeout))
		q.recordFailure(task)
		logging.ErrorScan("task timed out", task.Target, err,
			"task_id", task.ID,
			"timeout", q.cfg.TaskTimeout)

	default:
		msg := err.Error()
		q.finishTask(task, db.TaskStatusFailed, &msg)
		q.metrics.IncrementScanErrors(task.Profile, string(errors.GetCode(err)))
		q.recordFailure(task)
		logging.ErrorScan("task failed", task.Target, err,
			"task_id", task.ID,
			"profile", task.Profile)
	}
}

// finishTask writes a terminal status with its own deadline and
// reports the outcome to metrics.
func (q *Queue) finishTask(task *db.ScanTask, status string, errorMsg *string) {
	q.metrics.IncrementTasksTotal(task.Profile, status)
	if err := q.updateStatus(task.ID, status, errorMsg); err != nil && !errors.IsConflict(err) {
		logging.ErrorScan("failed to record task status", task.Target, err,
			"task_id", task.ID,
			"status", status)
	}
}

func (q *Queue) updateStatus(id uuid.UUID, status string, errorMsg *string) error {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	return q.store.UpdateTaskStatus(ctx, id, status, errorMsg)
}

// recordFailure advances the per-target failure streak and raises a
// warning event when it reaches the configured threshold.
func (q *Queue) recordFailure(task *db.ScanTask) {
	if q.cfg.FailureThreshold <= 0 {
		return
	}

	q.mu.Lock()
	q.streaks[task.Target]++
	streak := q.streaks[task.Target]
	q.mu.Unlock()

	if streak != q.cfg.FailureThreshold {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()

	tid := task.ID
	event := &db.Event{
		TaskID:    &tid,
		EventType: db.EventScanFailed,
		Severity:  db.SeverityWarning,
		Message: "target " + task.Target + " has failed " +
			strconv.Itoa(streak) + " consecutive scans",
	}
	if err := q.store.RecordEvent(ctx, event); err != nil {
		logging.ErrorScan("failed to record scan failure event", task.Target, err)
		return
	}
	q.metrics.IncrementEventsTotal(db.EventScanFailed)
}

func (q *Queue) resetStreak(target string) {
	q.mu.Lock()
	delete(q.streaks, target)
	q.mu.Unlock()
}

func validateTask(task *db.ScanTask) error {
	switch task.Profile {
	case db.ProfileDiscovery, db.ProfileQuick, db.ProfileDeep:
	default:
		return errors.NewSchedulerError(errors.CodeValidation, "unknown scan profile "+task.Profile, "")
	}
	if task.Target == "" {
		return errors.NewSchedulerError(errors.CodeValidation, "scan target must not be empty", "")
	}
	if task.Priority < 0 {
		return errors.NewSchedulerError(errors.CodeValidation, "priority must not be negative", "")
	}
	return nil
}
