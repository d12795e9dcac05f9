package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawinfra/evoclaw/internal/audit"
	"github.com/clawinfra/evoclaw/internal/control"
	"github.com/clawinfra/evoclaw/internal/controlapi"
	"github.com/clawinfra/evoclaw/internal/registry"
)

// Executor is the surface a JobRunner drives actions through. It is
// satisfied by ContractExecutor, which adapts a control.Contract plus
// an audit.Log into these three calls.
type Executor interface {
	Restart(ctx context.Context, id string) controlapi.Result[struct{}]
	List() controlapi.Result[[]registry.Descriptor]
	PruneAudit(bucket string, keep int) error
}

// ContractExecutor drives scheduled jobs through the same Control API
// contract an HTTP caller or masctl would use, plus direct access to
// the audit log for retention pruning (which the contract does not
// expose as an operator action).
type ContractExecutor struct {
	contract control.Contract
	audit    *audit.Log
}

// NewContractExecutor builds an Executor from a contract and an audit
// log. auditLog may be nil if audit_prune jobs are never scheduled.
func NewContractExecutor(contract control.Contract, auditLog *audit.Log) *ContractExecutor {
	return &ContractExecutor{contract: contract, audit: auditLog}
}

func (c *ContractExecutor) Restart(ctx context.Context, id string) controlapi.Result[struct{}] {
	return c.contract.Restart(ctx, id)
}

func (c *ContractExecutor) List() controlapi.Result[[]registry.Descriptor] {
	return c.contract.List()
}

func (c *ContractExecutor) PruneAudit(bucket string, keep int) error {
	if c.audit == nil {
		return fmt.Errorf("audit log not configured")
	}
	return c.audit.Prune(bucket, keep)
}

// JobRunner drives one Job on its schedule until stopped. Grounded on
// the teacher's scheduler.JobRunner: same stopCh/doneCh handshake, same
// ticker-driven loop, same per-run state bookkeeping.
type JobRunner struct {
	job      *Job
	ticker   *time.Ticker
	logger   *slog.Logger
	executor Executor
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJobRunner creates a runner for job, driving actions through executor.
func NewJobRunner(job *Job, executor Executor, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:      job,
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the job on schedule until ctx is cancelled or Stop is called.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.job.State.NextRunAt = nextRun

	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case "interval":
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	case "cron", "at":
		tickerDuration = 1 * time.Minute
	}

	r.ticker = time.NewTicker(tickerDuration)
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-r.ticker.C:
			shouldRun := false
			if r.job.Schedule.Kind == "interval" {
				shouldRun = true
			} else {
				shouldRun = now.After(r.job.State.NextRunAt) || now.Equal(r.job.State.NextRunAt)
			}

			if shouldRun {
				r.executeJob(ctx)

				nextRun, err := r.job.NextRun(time.Now())
				if err != nil {
					r.logger.Error("failed to calculate next run", "error", err)
				} else {
					r.job.State.NextRunAt = nextRun
					r.logger.Debug("next run scheduled", "next_run", nextRun.Format(time.RFC3339))
				}
			}
		}
	}
}

// Stop signals the runner to exit and waits for it to do so.
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// executeJob runs the job's action once and records the outcome.
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()
	r.logger.Info("executing job")

	var err error
	switch r.job.Action.Kind {
	case "restart":
		err = r.executeRestart(ctx)
	case "health_sweep":
		err = r.executeHealthSweep(ctx)
	case "audit_prune":
		err = r.executeAuditPrune(ctx)
	default:
		err = fmt.Errorf("unknown action kind: %s", r.job.Action.Kind)
	}

	duration := time.Since(start)

	r.job.State.LastRunAt = time.Now()
	r.job.State.LastDuration = duration
	r.job.State.RunCount++

	if err != nil {
		r.job.State.ErrorCount++
		r.job.State.LastError = err.Error()
		r.logger.Error("job failed",
			"error", err,
			"duration", duration,
			"run_count", r.job.State.RunCount,
			"error_count", r.job.State.ErrorCount)
	} else {
		r.job.State.LastError = ""
		r.logger.Info("job completed",
			"duration", duration,
			"run_count", r.job.State.RunCount)
	}
}

// executeRestart restarts one agent by id.
func (r *JobRunner) executeRestart(ctx context.Context) error {
	if r.executor == nil {
		return fmt.Errorf("executor not set (cannot execute restart action)")
	}
	if res := r.executor.Restart(ctx, r.job.Action.AgentID); !res.IsOk() {
		_, cerr := res.Unwrap()
		return cerr
	}
	return nil
}

// executeHealthSweep restarts every agent the registry currently
// reports Failing or Dead. It does not touch the supervisor's own
// health-poll cadence (internal/supervisor already restarts Failing
// agents on its own schedule); this is an operator-triggered sweep on
// top, useful for a wider or differently-timed check than C6's.
func (r *JobRunner) executeHealthSweep(ctx context.Context) error {
	if r.executor == nil {
		return fmt.Errorf("executor not set (cannot execute health_sweep action)")
	}

	listRes := r.executor.List()
	if !listRes.IsOk() {
		_, cerr := listRes.Unwrap()
		return cerr
	}
	descriptors, _ := listRes.Unwrap()

	var errs []error
	for _, d := range descriptors {
		if d.State != registry.StateFailing && d.State != registry.StateDead {
			continue
		}
		if res := r.executor.Restart(ctx, d.ID); !res.IsOk() {
			_, cerr := res.Unwrap()
			errs = append(errs, fmt.Errorf("restart %s: %w", d.ID, cerr))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("health sweep: %d restart(s) failed: %v", len(errs), errs)
	}
	return nil
}

// executeAuditPrune trims the configured audit bucket to RetainMax records.
func (r *JobRunner) executeAuditPrune(ctx context.Context) error {
	if r.executor == nil {
		return fmt.Errorf("executor not set (cannot execute audit_prune action)")
	}
	return r.executor.PruneAudit(r.job.Action.Bucket, r.job.Action.RetainMax)
}
