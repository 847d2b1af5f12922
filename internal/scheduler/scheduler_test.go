package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/errors"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []*db.ScanTask
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, task *db.ScanTask) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return uuid.New(), nil
}

func (f *fakeSubmitter) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeChecker struct {
	incomplete bool
	err        error
}

func (f *fakeChecker) HasIncompleteTask(_ context.Context, _, _ string) (bool, error) {
	return f.incomplete, f.err
}

func TestScheduleDuplicateJob(t *testing.T) {
	s := New(&fakeSubmitter{}, &fakeChecker{})

	require.NoError(t, s.Schedule("lan-sweep", db.ProfileDiscovery, "192.168.1.0/24", time.Minute, 5))

	err := s.Schedule("lan-sweep", db.ProfileQuick, "10.0.0.0/24", time.Hour, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeDuplicateJob, errors.GetCode(err))

	// The original registration is untouched.
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, db.ProfileDiscovery, jobs[0].Profile)
}

func TestUnscheduleUnknownJob(t *testing.T) {
	s := New(&fakeSubmitter{}, &fakeChecker{})

	err := s.Unschedule("never-registered")
	require.Error(t, err)
	assert.Equal(t, errors.CodeJobNotFound, errors.GetCode(err))
}

func TestUnscheduleRemovesJob(t *testing.T) {
	s := New(&fakeSubmitter{}, &fakeChecker{})

	require.NoError(t, s.Schedule("lan-sweep", db.ProfileDiscovery, "192.168.1.0/24", time.Minute, 5))
	require.NoError(t, s.Unschedule("lan-sweep"))
	assert.Empty(t, s.Jobs())

	// Not idempotent: the second removal is an error.
	err := s.Unschedule("lan-sweep")
	assert.Equal(t, errors.CodeJobNotFound, errors.GetCode(err))
}

func TestScheduleValidation(t *testing.T) {
	s := New(&fakeSubmitter{}, &fakeChecker{})

	tests := []struct {
		name     string
		profile  string
		target   string
		interval time.Duration
	}{
		{"unknown_profile", "stealth", "10.0.0.1", time.Minute},
		{"empty_target", db.ProfileQuick, "", time.Minute},
		{"sub_second_interval", db.ProfileQuick, "10.0.0.1", 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Schedule(tt.name, tt.profile, tt.target, tt.interval, 0)
			require.Error(t, err)
			assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
		})
	}
}

func TestJobsSnapshotSorted(t *testing.T) {
	s := New(&fakeSubmitter{}, &fakeChecker{})

	require.NoError(t, s.Schedule("zeta", db.ProfileDiscovery, "10.0.2.0/24", time.Hour, 5))
	require.NoError(t, s.Schedule("alpha", db.ProfileQuick, "10.0.0.5", time.Minute, 1))
	require.NoError(t, s.Schedule("mid", db.ProfileDeep, "10.0.0.9", 24*time.Hour, 9))

	jobs := s.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "alpha", jobs[0].ID)
	assert.Equal(t, "mid", jobs[1].ID)
	assert.Equal(t, "zeta", jobs[2].ID)
}

func TestFireSubmitsTask(t *testing.T) {
	submitter := &fakeSubmitter{}
	s := New(submitter, &fakeChecker{})

	require.NoError(t, s.Schedule("lan-sweep", db.ProfileDiscovery, "192.168.1.0/24", time.Minute, 5))

	s.fire(s.jobs["lan-sweep"])

	require.Equal(t, 1, submitter.submitted())
	task := submitter.tasks[0]
	assert.Equal(t, db.ProfileDiscovery, task.Profile)
	assert.Equal(t, "192.168.1.0/24", task.Target)
	assert.Equal(t, 5, task.Priority)

	jobs := s.Jobs()
	assert.Equal(t, int64(1), jobs[0].Fired)
	assert.False(t, jobs[0].LastRun.IsZero())
}

func TestFireSkipsWhenPreviousIncomplete(t *testing.T) {
	submitter := &fakeSubmitter{}
	s := New(submitter, &fakeChecker{incomplete: true})

	require.NoError(t, s.Schedule("lan-sweep", db.ProfileDiscovery, "192.168.1.0/24", time.Minute, 5))

	s.fire(s.jobs["lan-sweep"])
	s.fire(s.jobs["lan-sweep"])

	assert.Equal(t, 0, submitter.submitted())
	jobs := s.Jobs()
	assert.Equal(t, int64(0), jobs[0].Fired)
	assert.Equal(t, int64(2), jobs[0].Skipped)
}

func TestFireSurvivesEnqueueFailure(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.ErrQueueFull(100)}
	s := New(submitter, &fakeChecker{})

	require.NoError(t, s.Schedule("lan-sweep", db.ProfileDiscovery, "192.168.1.0/24", time.Minute, 5))

	// The tick logs and moves on; the next one retries.
	s.fire(s.jobs["lan-sweep"])
	assert.Equal(t, int64(0), s.Jobs()[0].Fired)

	submitter.mu.Lock()
	submitter.err = nil
	submitter.mu.Unlock()

	s.fire(s.jobs["lan-sweep"])
	assert.Equal(t, 1, submitter.submitted())
	assert.Equal(t, int64(1), s.Jobs()[0].Fired)
}

func TestStartStop(t *testing.T) {
	s := New(&fakeSubmitter{}, &fakeChecker{})
	require.NoError(t, s.Schedule("lan-sweep", db.ProfileDiscovery, "192.168.1.0/24", time.Hour, 5))

	s.Start()
	s.Stop()
}
