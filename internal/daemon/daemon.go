// Package daemon wires the pulse subsystems together: database,
// scan engine, task queue, scheduler, and metrics listener. It owns
// process-level concerns such as the PID file, signal handling, and
// graceful shutdown ordering.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemon/pulse/internal/config"
	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/engine"
	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
	"github.com/pulsemon/pulse/internal/metrics"
	"github.com/pulsemon/pulse/internal/queue"
	"github.com/pulsemon/pulse/internal/recognition"
	"github.com/pulsemon/pulse/internal/recon"
	"github.com/pulsemon/pulse/internal/scheduler"
)

// healthCheckInterval is how often the daemon pings the database.
const healthCheckInterval = 10 * time.Second

// File permission constants.
const (
	defaultDirPermissions  = 0o750
	defaultFilePermissions = 0o600
)

// Daemon is the long-running pulse service.
type Daemon struct {
	cfg        *config.Config
	database   *db.DB
	engine     *engine.Engine
	recon      *recon.Engine
	queue      *queue.Queue
	sched      *scheduler.Scheduler
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	pidFile string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.RWMutex
}

// New creates a daemon for the given configuration. Subsystems are
// initialized in Start.
func New(cfg *config.Config) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		cfg:     cfg,
		metrics: metrics.New(),
		pidFile: cfg.Daemon.PIDFile,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start initializes all subsystems and blocks in the main loop until
// shutdown.
func (d *Daemon) Start() error {
	logging.InfoDaemon("starting pulse daemon")

	if err := d.cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if d.cfg.Daemon.WorkDir != "" {
		if err := os.MkdirAll(d.cfg.Daemon.WorkDir, defaultDirPermissions); err != nil {
			return fmt.Errorf("failed to create working directory: %w", err)
		}
		if err := os.Chdir(d.cfg.Daemon.WorkDir); err != nil {
			return fmt.Errorf("failed to change to working directory: %w", err)
		}
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initDatabase(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := d.initSubsystems(); err != nil {
		d.cleanup()
		return err
	}

	logging.InfoDaemon("daemon started",
		"pid", os.Getpid(),
		"workers", d.cfg.Scanning.MaxWorkers,
		"nmap", d.engine.Binary())
	return d.run()
}

// Stop shuts the daemon down, waiting up to the configured timeout.
func (d *Daemon) Stop() error {
	logging.InfoDaemon("stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		logging.InfoDaemon("daemon stopped gracefully")
	case <-time.After(d.cfg.Daemon.ShutdownTimeout):
		logging.Warn("shutdown timeout reached, forcing exit")
	}

	d.cleanup()
	return nil
}

// SubmitTask enqueues an ad-hoc scan task with the default priority
// when none is given.
func (d *Daemon) SubmitTask(ctx context.Context, profile, target string, priority *int, opts *db.ScanOptions) (uuid.UUID, error) {
	d.mu.RLock()
	q := d.queue
	d.mu.RUnlock()
	if q == nil {
		return uuid.Nil, errors.NewSchedulerError(errors.CodeCanceled, "task queue not running", "")
	}

	task := &db.ScanTask{
		Profile:  profile,
		Target:   target,
		Priority: d.cfg.Scanning.DefaultPriority,
		Options:  opts,
	}
	if priority != nil {
		task.Priority = *priority
	}
	return q.Submit(ctx, task)
}

// GetTask retrieves a task by ID.
func (d *Daemon) GetTask(ctx context.Context, id uuid.UUID) (*db.ScanTask, error) {
	return d.database.TaskByID(ctx, id)
}

// CancelTask cancels a pending or running task.
func (d *Daemon) CancelTask(ctx context.Context, id uuid.UUID) error {
	d.mu.RLock()
	q := d.queue
	d.mu.RUnlock()
	if q == nil {
		return errors.NewSchedulerError(errors.CodeCanceled, "task queue not running", "")
	}
	return q.Cancel(ctx, id)
}

// ScheduleJob registers a recurring scan job.
func (d *Daemon) ScheduleJob(id, profile, target string, interval time.Duration, priority int) error {
	return d.sched.Schedule(id, profile, target, interval, priority)
}

// UnscheduleJob removes a recurring scan job.
func (d *Daemon) UnscheduleJob(id string) error {
	return d.sched.Unschedule(id)
}

// ListJobs returns the scheduler's job registry snapshot.
func (d *Daemon) ListJobs() []scheduler.JobInfo {
	return d.sched.Jobs()
}

// Database exposes the database handle for read-only CLI queries.
func (d *Daemon) Database() *db.DB {
	return d.database
}

// initDatabase connects and runs pending migrations.
func (d *Daemon) initDatabase() error {
	dbConfig := d.cfg.GetDatabaseConfig()
	database, err := db.ConnectAndMigrate(d.ctx, &dbConfig)
	if err != nil {
		return err
	}
	d.database = database
	return nil
}

// initSubsystems builds the scan pipeline and starts queue,
// scheduler, and the metrics listener.
func (d *Daemon) initSubsystems() error {
	eng, err := engine.New(d.cfg.Scanning.NmapBinary)
	if err != nil {
		// Fail fast: a daemon that cannot scan is misconfigured.
		return err
	}
	d.engine = eng

	vendors := recognition.NewVendorResolver(db.NewOUIRepository(d.database))
	d.recon = recon.New(d.database, vendors, d.metrics, recon.Config{
		DebounceMisses:   d.cfg.Recon.DebounceMisses,
		ResolveHostnames: d.cfg.Recon.ResolveHostnames,
		DNSServer:        d.cfg.Recon.DNSServer,
	})

	executor := NewExecutor(d.cfg, eng, d.database, d.recon, d.metrics)

	q := queue.New(queue.Config{
		MaxWorkers:       d.cfg.Scanning.MaxWorkers,
		Capacity:         d.cfg.Scanning.QueueCapacity,
		TaskTimeout:      d.cfg.Scanning.MaxScanTimeout,
		ShutdownGrace:    d.cfg.Daemon.ShutdownTimeout,
		FailureThreshold: d.cfg.Scanning.FailureStreak,
	}, d.database, executor, d.metrics)
	q.Start()

	d.mu.Lock()
	d.queue = q
	d.mu.Unlock()

	d.sched = scheduler.New(q, d.database)
	if err := d.registerConfiguredJobs(); err != nil {
		return err
	}
	d.sched.Start()

	if d.cfg.Metrics.Enabled {
		d.metricsSrv = metrics.NewServer(d.cfg.Metrics.ListenAddr, d.cfg.Metrics.Port, d.metrics)
		go func() {
			if err := d.metricsSrv.Start(); err != nil {
				logging.ErrorDaemon("metrics listener failed", err)
			}
		}()
		go d.metrics.StartPeriodicUpdates(d.ctx, healthCheckInterval)
	}

	return nil
}

// registerConfiguredJobs schedules a recurring job for every enabled
// profile in the configuration.
func (d *Daemon) registerConfiguredJobs() error {
	for name, profile := range d.cfg.Scanning.Profiles {
		if !profile.Enabled {
			continue
		}
		jobID := name + "-" + profile.Target
		if err := d.sched.Schedule(jobID, name, profile.Target,
			profile.Interval, d.cfg.Scanning.DefaultPriority); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", name, err)
		}
	}
	return nil
}

// createPIDFile writes the PID file, refusing to start over a live
// process.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, defaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), defaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	logging.InfoDaemon("created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID removes a stale PID file or refuses to start when
// the recorded process is still alive.
func (d *Daemon) checkExistingPID() error {
	if _, err := os.Stat(d.pidFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers wires graceful shutdown and status dumping.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
	)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logging.InfoDaemon("received shutdown signal", "signal", sig.String())
				d.cancel()
				return
			case syscall.SIGHUP:
				// Configuration is immutable by design.
				logging.Warn("SIGHUP ignored, restart to apply configuration changes")
			case syscall.SIGUSR1:
				d.dumpStatus()
			}
		}
	}()
}

// run is the main loop: periodic health checks until shutdown.
func (d *Daemon) run() error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			logging.InfoDaemon("shutdown signal received")
			close(d.done)
			return nil
		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

// performHealthCheck verifies the database connection and reports
// queue gauges.
func (d *Daemon) performHealthCheck() {
	if d.database != nil {
		if err := d.database.PingContext(d.ctx); err != nil {
			logging.ErrorDatabase("database health check failed", err)
			if rerr := d.reconnectDatabase(); rerr != nil {
				logging.ErrorDatabase("database reconnection failed", rerr)
			}
		}
	}

	if d.queue != nil {
		logging.Debug("queue status",
			"depth", d.queue.Depth(),
			"active", d.queue.Active())
	}
}

// reconnectDatabase retries the connection with exponential backoff.
func (d *Daemon) reconnectDatabase() error {
	const maxRetries = 5
	const baseDelay = 2 * time.Second
	const maxDelay = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			delay := baseDelay << (attempt - 1)
			if delay > maxDelay {
				delay = maxDelay
			}
			select {
			case <-d.ctx.Done():
				return fmt.Errorf("reconnection cancelled by shutdown")
			case <-time.After(delay):
			}
		}

		if d.database != nil {
			_ = d.database.Close()
		}

		dbConfig := d.cfg.GetDatabaseConfig()
		database, err := db.Connect(d.ctx, &dbConfig)
		if err != nil {
			logging.ErrorDatabase("reconnection attempt failed", err,
				"attempt", attempt,
				"max_retries", maxRetries)
			continue
		}

		d.database = database
		logging.InfoDatabase("database reconnection successful", "attempt", attempt)
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", maxRetries)
}

// dumpStatus logs a point-in-time view of the process, triggered by
// SIGUSR1.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"uptime", d.metrics.Uptime().Round(time.Second),
	}
	if d.queue != nil {
		fields = append(fields, "queue_depth", d.queue.Depth(), "active_workers", d.queue.Active())
	}
	if d.sched != nil {
		fields = append(fields, "scheduled_jobs", len(d.sched.Jobs()))
	}
	logging.InfoDaemon("status dump", fields...)
}

// cleanup tears subsystems down in dependency order: scheduler first
// so no new tasks arrive, then the queue, then everything else.
func (d *Daemon) cleanup() {
	if d.sched != nil {
		d.sched.Stop()
	}

	d.mu.Lock()
	q := d.queue
	d.queue = nil
	d.mu.Unlock()
	if q != nil {
		q.Shutdown()
	}

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			logging.ErrorDaemon("error stopping metrics listener", err)
		}
		cancel()
	}

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			logging.ErrorDatabase("error closing database", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			logging.ErrorDaemon("error removing PID file", err, "path", d.pidFile)
		}
	}

	logging.InfoDaemon("cleanup completed")
}
