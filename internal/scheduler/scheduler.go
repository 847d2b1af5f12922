// Package scheduler fires recurring scan tasks at configured
// cadences. Each named job runs on its own cron timer and only
// enqueues work; scanning and reconciliation happen in the queue's
// workers. A tick is skipped, not stacked, when the previous run of
// the same job has not finished.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
)

// fireTimeout bounds the database check and queue submission done on
// each tick.
const fireTimeout = 15 * time.Second

// Submitter enqueues scan tasks. *queue.Queue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, task *db.ScanTask) (uuid.UUID, error)
}

// IncompleteChecker reports whether earlier work for a job is still
// in flight. *db.DB satisfies it.
type IncompleteChecker interface {
	HasIncompleteTask(ctx context.Context, profile, target string) (bool, error)
}

// job is one registered recurring scan.
type job struct {
	id       string
	profile  string
	target   string
	interval time.Duration
	priority int
	entryID  cron.EntryID

	mu      sync.Mutex
	lastRun time.Time
	fired   int64
	skipped int64
}

// JobInfo is a read-only snapshot of a registered job.
type JobInfo struct {
	ID       string        `json:"id"`
	Profile  string        `json:"profile"`
	Target   string        `json:"target"`
	Interval time.Duration `json:"interval"`
	Priority int           `json:"priority"`
	NextRun  time.Time     `json:"next_run"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	Fired    int64         `json:"fired"`
	Skipped  int64         `json:"skipped"`
}

// Scheduler manages named recurring scan jobs on independent timers.
type Scheduler struct {
	cron    *cron.Cron
	queue   Submitter
	checker IncompleteChecker

	mu   sync.RWMutex
	jobs map[string]*job
}

// New creates a scheduler feeding the given queue.
func New(queue Submitter, checker IncompleteChecker) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		queue:   queue,
		checker: checker,
		jobs:    make(map[string]*job),
	}
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.InfoDaemon("scheduler started", "jobs", len(s.jobs))
}

// Stop halts the timers and waits for any in-progress fire to return.
// Tasks already enqueued keep running in the queue.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logging.InfoDaemon("scheduler stopped")
}

// Schedule registers a recurring job. Registering an existing job ID
// is an error, not a replacement.
func (s *Scheduler) Schedule(id, profile, target string, interval time.Duration, priority int) error {
	switch profile {
	case db.ProfileDiscovery, db.ProfileQuick, db.ProfileDeep:
	default:
		return errors.NewSchedulerError(errors.CodeValidation, "unknown scan profile "+profile, id)
	}
	if target == "" {
		return errors.NewSchedulerError(errors.CodeValidation, "scan target must not be empty", id)
	}
	if interval < time.Second {
		return errors.NewSchedulerError(errors.CodeValidation, "interval must be at least one second", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return errors.ErrDuplicateJob(id)
	}

	j := &job{
		id:       id,
		profile:  profile,
		target:   target,
		interval: interval,
		priority: priority,
	}

	entryID, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.fire(j)
	})
	if err != nil {
		return errors.NewSchedulerError(errors.CodeValidation, "invalid schedule: "+err.Error(), id)
	}

	j.entryID = entryID
	s.jobs[id] = j

	logging.InfoDaemon("job scheduled",
		"job_id", id,
		"profile", profile,
		"target", target,
		"interval", interval)
	return nil
}

// Unschedule removes a job. Removing an unknown job is an error, not
// a no-op.
func (s *Scheduler) Unschedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[id]
	if !exists {
		return errors.ErrJobNotFound(id)
	}

	s.cron.Remove(j.entryID)
	delete(s.jobs, id)

	logging.InfoDaemon("job unscheduled", "job_id", id)
	return nil
}

// Jobs returns a snapshot of the registry, sorted by job ID.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		info := JobInfo{
			ID:       j.id,
			Profile:  j.profile,
			Target:   j.target,
			Interval: j.interval,
			Priority: j.priority,
			NextRun:  s.cron.Entry(j.entryID).Next,
			LastRun:  j.lastRun,
			Fired:    j.fired,
			Skipped:  j.skipped,
		}
		j.mu.Unlock()
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, k int) bool { return infos[i].ID < infos[k].ID })
	return infos
}

// fire runs on a job's tick: it submits one task unless the previous
// run is still incomplete. Enqueue failures are logged and left for
// the next tick; the timer itself never dies.
func (s *Scheduler) fire(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	incomplete, err := s.checker.HasIncompleteTask(ctx, j.profile, j.target)
	if err != nil {
		logging.ErrorDaemon("scheduler could not check for incomplete work", err,
			"job_id", j.id)
		return
	}
	if incomplete {
		j.mu.Lock()
		j.skipped++
		j.mu.Unlock()
		logging.Warn("skipping tick, previous run still incomplete",
			"job_id", j.id,
			"target", j.target)
		return
	}

	task := &db.ScanTask{
		Profile:  j.profile,
		Target:   j.target,
		Priority: j.priority,
	}

	taskID, err := s.queue.Submit(ctx, task)
	if err != nil {
		logging.ErrorDaemon("scheduler failed to enqueue task", err,
			"job_id", j.id,
			"target", j.target)
		return
	}

	j.mu.Lock()
	j.lastRun = time.Now()
	j.fired++
	j.mu.Unlock()

	logging.Debug("scheduled task submitted",
		"job_id", j.id,
		"task_id", taskID)
}
