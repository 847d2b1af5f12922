package daemon

import (
	"context"
	"time"

	"github.com/pulsemon/pulse/internal/config"
	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/engine"
	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
	"github.com/pulsemon/pulse/internal/metrics"
	"github.com/pulsemon/pulse/internal/parser"
	"github.com/pulsemon/pulse/internal/queue"
	"github.com/pulsemon/pulse/internal/recon"
)

// resultWriteTimeout bounds the scan result insert so an expired task
// context does not lose the raw output kept for diagnosis.
const resultWriteTimeout = 15 * time.Second

// pipeline executes one scan task end to end: engine invocation,
// result capture, parsing, reconciliation. One immutable scan result
// row is written per attempt, raw output included, even when the
// attempt fails.
type pipeline struct {
	cfg     *config.Config
	engine  *engine.Engine
	store   *db.DB
	recon   *recon.Engine
	metrics *metrics.Metrics
}

// NewExecutor builds the task executor the queue drives. It is also
// used directly for one-shot scans from the CLI.
func NewExecutor(
	cfg *config.Config,
	eng *engine.Engine,
	store *db.DB,
	reconEngine *recon.Engine,
	m *metrics.Metrics,
) queue.Executor {
	return &pipeline{
		cfg:     cfg,
		engine:  eng,
		store:   store,
		recon:   reconEngine,
		metrics: m,
	}
}

// Execute implements queue.Executor.
func (p *pipeline) Execute(ctx context.Context, task *db.ScanTask) error {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout(p.cfg, task))
	defer cancel()

	out, runErr := p.engine.Run(ctx, task.Profile, task.Target)

	var facts *parser.ScanFacts
	var parseErr error
	if out != nil && len(out.Raw) > 0 {
		facts, parseErr = parser.Parse(out.Raw)
	}

	if out != nil {
		p.saveResult(task, out, facts)
	}

	if runErr != nil {
		return runErr
	}
	if parseErr != nil {
		return parseErr
	}
	if facts == nil {
		return errors.NewParseError("scan produced no output")
	}

	p.countFacts(task.Profile, facts)

	if _, err := p.recon.Reconcile(ctx, task.ID, task.Profile, task.Target, facts); err != nil {
		return err
	}
	return nil
}

// taskTimeout picks the per-task timeout override when one is set,
// falling back to the profile timeout. Both are capped by the
// configured maximum.
func taskTimeout(cfg *config.Config, task *db.ScanTask) time.Duration {
	if t := task.Options.Timeout(); t > 0 {
		if t > cfg.Scanning.MaxScanTimeout {
			return cfg.Scanning.MaxScanTimeout
		}
		return t
	}
	return cfg.ProfileTimeout(task.Profile)
}

// saveResult records the attempt with its own deadline so the raw
// output survives even when the task context is already gone.
func (p *pipeline) saveResult(task *db.ScanTask, out *engine.Output, facts *parser.ScanFacts) {
	ctx, cancel := context.WithTimeout(context.Background(), resultWriteTimeout)
	defer cancel()

	result := &db.ScanResult{
		TaskID:     task.ID,
		Command:    out.Command,
		RawOutput:  out.Raw,
		DurationMS: out.Duration.Milliseconds(),
	}
	if out.ToolVersion != "" {
		version := out.ToolVersion
		result.ToolVersion = &version
	}
	if facts != nil {
		result.HostsFound = facts.HostsTotal
		result.HostsUp = facts.HostsUp
		if facts.Summary != "" {
			summary := facts.Summary
			result.Summary = &summary
		}
	}

	if err := p.store.CreateResult(ctx, result); err != nil {
		logging.ErrorScan("failed to persist scan result", task.Target, err,
			"task_id", task.ID)
	}
}

func (p *pipeline) countFacts(profile string, facts *parser.ScanFacts) {
	up, down := 0, 0
	portStates := make(map[string]int)
	for i := range facts.Hosts {
		host := &facts.Hosts[i]
		if host.Up {
			up++
		} else {
			down++
		}
		for j := range host.Ports {
			portStates[host.Ports[j].State]++
		}
	}

	p.metrics.IncrementHostsSeen(profile, db.DeviceStatusUp, up)
	p.metrics.IncrementHostsSeen(profile, db.DeviceStatusDown, down)
	for state, count := range portStates {
		p.metrics.IncrementPortsSeen(profile, state, count)
	}
}
