// Package worker implements the pool that dequeues queued ingest_runs and
// executes the matching registry.Definition (§4.3, §4.4): the scheduler and
// the HTTP manual-trigger routes only ever create queued rows, this is what
// actually runs them.
//
// Grounded on integrations/loyverse/internal/sync/manager.go's ticker-driven
// polling loop (Start/Stop, context-scoped goroutine), adapted from a fixed
// set of cron jobs to a DB-backed queue; bounded concurrency uses a
// buffered channel as a counting semaphore since no comparable worker pool
// exists anywhere in the retrieved pack.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
	"github.com/psdigitalweb/wb-automation-sub000/internal/wbclient"
)

// Pool polls for queued runs and executes them with bounded concurrency.
// Lifecycle events are published by the orchestrator itself on
// FinishSuccess/FinishFailed, so the pool has no eventbus dependency of its
// own.
type Pool struct {
	db       *sqlx.DB
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	log      *logrus.Logger

	pollInterval time.Duration
	sem          chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(db *sqlx.DB, orch *orchestrator.Orchestrator, reg *registry.Registry, log *logrus.Logger, poolSize int, pollInterval time.Duration) *Pool {
	if poolSize <= 0 {
		poolSize = 4
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Pool{
		db:           db,
		orch:         orch,
		registry:     reg,
		log:          log,
		pollInterval: pollInterval,
		sem:          make(chan struct{}, poolSize),
	}
}

// Start launches the poll loop in a goroutine; Stop blocks until every
// in-flight run finishes.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.dispatchDue(ctx)
			}
		}
	}()
}

// Stop signals the poll loop to exit and waits for in-flight runs to drain.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

type queuedRun struct {
	ID         string  `db:"id"`
	ScheduleID *string `db:"schedule_id"`
	ProjectID  int64   `db:"project_id"`
	SourceCode string  `db:"source_code"`
	JobCode    string  `db:"job_code"`
}

// dispatchDue claims as many queued rows as there are free semaphore slots
// and runs each in its own goroutine.
func (p *Pool) dispatchDue(ctx context.Context) {
	free := cap(p.sem) - len(p.sem)
	if free <= 0 {
		return
	}

	var rows []queuedRun
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, schedule_id, project_id, source_code, job_code
		FROM ingest_runs
		WHERE status = 'queued'
		ORDER BY created_at ASC
		LIMIT $1`, free)
	if err != nil {
		p.log.WithError(err).Error("worker: failed to poll queued runs")
		return
	}

	for _, row := range rows {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		p.wg.Add(1)
		go func(row queuedRun) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, row)
		}(row)
	}
}

// execute runs the CAS-guarded queued->running transition, invokes the
// registry'd RunnerFunc, and finalizes success/failure. A registry miss
// fails closed straight from queued to failed (§4.1).
func (p *Pool) execute(ctx context.Context, row queuedRun) {
	logger := p.log.WithFields(logrus.Fields{
		"run_id": row.ID, "project_id": row.ProjectID,
		"source_code": row.SourceCode, "job_code": row.JobCode,
	})

	def, err := p.registry.Lookup(row.SourceCode, row.JobCode)
	if err != nil {
		if failErr := p.orch.FinishFailed(ctx, row.ID, "job_not_found", err.Error(), "", nil); failErr != nil {
			logger.WithError(failErr).Error("worker: failed to finalize job_not_found run")
		}
		return
	}

	run, err := p.orch.StartRunning(ctx, row.ID)
	if err != nil {
		if err != orchestrator.ErrRunAlreadyRunning {
			logger.WithError(err).Error("worker: failed to start run")
		}
		return
	}

	var params map[string]interface{}
	if len(run.Params) > 0 {
		_ = json.Unmarshal(run.Params, &params)
	}

	rc := registry.RunContext{
		RunID:     row.ID,
		ProjectID: row.ProjectID,
		Params:    params,
		Heartbeat: func(ctx context.Context) error { return p.orch.Heartbeat(ctx, row.ID) },
		SetProgress: func(ctx context.Context, stats registry.Stats) error {
			return p.orch.SetProgress(ctx, row.ID, stats)
		},
	}

	stats, runErr := runWithRecover(ctx, def.Run, rc)

	var statusErr *wbclient.StatusError
	if runErr != nil && errors.As(runErr, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
		if err := p.orch.MarkSkipped(ctx, row.ID, "rate_limited"); err != nil {
			logger.WithError(err).Error("worker: failed to mark rate-limited run skipped")
		}
		if err := p.pushScheduleBack(ctx, row.ScheduleID); err != nil {
			logger.WithError(err).Error("worker: failed to push schedule back after rate limit")
		}
		return
	}

	// ok==false is a failure even when the runner returned a nil error (the
	// frontend_prices "every brand failed" path and internal_data's "error"
	// status both report failure this way rather than via a Go error).
	ok, _ := stats["ok"].(bool)
	if runErr != nil || !ok {
		reason, _ := stats["reason"].(string)
		if reason == "" {
			reason = "runner_error"
		}
		errMessage := ""
		if runErr != nil {
			errMessage = runErr.Error()
		}
		if err := p.orch.FinishFailed(ctx, row.ID, reason, errMessage, "", stats); err != nil {
			logger.WithError(err).Error("worker: failed to finalize failed run")
		}
		return
	}

	if err := p.orch.FinishSuccess(ctx, row.ID, stats); err != nil {
		logger.WithError(err).Error("worker: failed to finalize successful run")
	}
}

// rateLimitPushWindow is the backoff window a scheduled run's next_run_at is
// pushed forward by on rate-limit exhaustion (§4.4 point 4), matching
// wbclient.BackoffDuration's upper clamp.
const rateLimitPushWindow = 120 * time.Second

// pushScheduleBack advances the linked schedule's next_run_at past the
// current backoff window, so the scheduler does not immediately re-queue a
// job that just exhausted its rate-limit retry budget. A no-op for
// unscheduled (manual/chained) runs.
func (p *Pool) pushScheduleBack(ctx context.Context, scheduleID *string) error {
	if scheduleID == nil {
		return nil
	}
	id, err := strconv.ParseInt(*scheduleID, 10, 64)
	if err != nil {
		return fmt.Errorf("worker: parsing schedule id %q: %w", *scheduleID, err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE ingest_schedules
		SET next_run_at = GREATEST(next_run_at, now()) + $2, updated_at = now()
		WHERE id = $1`, id, rateLimitPushWindow)
	return err
}

// runWithRecover isolates one runner's panic from the worker pool, since a
// single misbehaving job must never take the process down (§9).
func runWithRecover(ctx context.Context, run registry.RunnerFunc, rc registry.RunContext) (stats registry.Stats, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker: runner panicked: %v", rec)
			stats = registry.Stats{"ok": false, "reason": "runner_panic"}
		}
	}()
	return run(ctx, rc)
}
