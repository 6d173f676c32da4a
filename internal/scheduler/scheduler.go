// Package scheduler implements the single-process cooperative tick loop
// over per-tenant IngestSchedules (§4.2).
//
// Grounded on integrations/loyverse/internal/sync/manager.go's use of
// robfig/cron/v3, adapted from fixed in-code cron expressions to per-row,
// DB-driven schedules with explicit next_run_at bookkeeping (the teacher's
// cron.Cron instance owns scheduling; here the scheduler owns it and cron is
// used only for expression parsing and next-instant computation).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseAndValidate rejects unparseable cron expressions at write time, as
// required by §3's IngestSchedule invariants.
func ParseAndValidate(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextInstant is a pure function of (expr, tz, from) — cron advancement has
// no hidden state (§8 idempotence property).
func NextInstant(expr, tz string, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: loading timezone %q: %w", tz, err)
	}
	sched, err := ParseAndValidate(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(loc)), nil
}

type scheduleRow struct {
	ID         int64     `db:"id"`
	ProjectID  int64     `db:"project_id"`
	SourceCode string    `db:"source_code"`
	JobCode    string    `db:"job_code"`
	CronExpr   string    `db:"cron_expr"`
	Timezone   string    `db:"timezone"`
	NextRunAt  time.Time `db:"next_run_at"`
}

// Scheduler is a struct with explicit dependencies (clock via time.Now,
// a DB handle, and the orchestrator) — no module-level singletons, per §9.
type Scheduler struct {
	db   *sqlx.DB
	orch *orchestrator.Orchestrator
	log  *logrus.Logger
}

func New(db *sqlx.DB, orch *orchestrator.Orchestrator, log *logrus.Logger) *Scheduler {
	return &Scheduler{db: db, orch: orch, log: log}
}

// Tick loads all due schedules and attempts to create a queued run for each.
// The scheduler never blocks on a runner: it only ever creates rows.
func (s *Scheduler) Tick(ctx context.Context) error {
	var due []scheduleRow
	err := s.db.SelectContext(ctx, &due, `
		SELECT id, project_id, source_code, job_code, cron_expr, timezone, next_run_at
		FROM ingest_schedules
		WHERE is_enabled AND next_run_at <= now()
		ORDER BY next_run_at ASC`)
	if err != nil {
		return fmt.Errorf("scheduler: loading due schedules: %w", err)
	}

	for _, row := range due {
		s.processOne(ctx, row)
	}
	return nil
}

func (s *Scheduler) processOne(ctx context.Context, row scheduleRow) {
	logger := s.log.WithFields(logrus.Fields{
		"schedule_id": row.ID, "project_id": row.ProjectID,
		"source_code": row.SourceCode, "job_code": row.JobCode,
	})

	scheduleID := row.ID
	_, err := s.orch.CreateQueued(ctx, row.ProjectID, row.SourceCode, row.JobCode,
		&scheduleID, model.TriggeredScheduled, nil)

	switch {
	case err == nil:
		logger.Info("scheduler: queued run created")
	case errors.Is(err, orchestrator.ErrActiveRunExists), errors.Is(err, orchestrator.ErrLockNotAcquired):
		// Failure policy (§4.2): write a skipped stub, still advance next_run_at.
		if stubErr := s.orch.CreateSkippedStub(ctx, row.ProjectID, row.SourceCode, row.JobCode, &scheduleID, "active_run_exists"); stubErr != nil {
			logger.WithError(stubErr).Warn("scheduler: failed to write skipped stub")
		}
	default:
		logger.WithError(err).Error("scheduler: failed to create queued run")
	}

	next, err := NextInstant(row.CronExpr, row.Timezone, row.NextRunAt)
	if err != nil {
		logger.WithError(err).Error("scheduler: failed to compute next run instant, leaving next_run_at unchanged")
		return
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE ingest_schedules SET next_run_at = $2, updated_at = now() WHERE id = $1`,
		row.ID, next); err != nil {
		logger.WithError(err).Error("scheduler: failed to advance next_run_at")
	}
}
