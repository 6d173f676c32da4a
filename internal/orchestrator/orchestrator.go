// Package orchestrator implements the run lifecycle and exclusion contract
// described in §4.3: createQueued, startRunning, heartbeat, setProgress,
// finishSuccess, finishFailed, markTimeout, markSkipped, plus the advisory
// lock key derivation and stuck-run sweeper.
//
// Grounded on original_source/src/app/services/ingest/runs.py for the exact
// algorithm, reimplemented in the sqlx + raw-SQL + rowcount-CAS idiom used by
// services/order/internal/infrastructure/repository/postgres_order_repository.go.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/psdigitalweb/wb-automation-sub000/internal/eventbus"
	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
)

// StuckTTLResolver returns the stuck_ttl for a (source, job) pair, falling
// back to a global default when the job has no override (Open Question
// decision #3 in DESIGN.md).
type StuckTTLResolver func(sourceCode, jobCode string) time.Duration

type Orchestrator struct {
	db       *sqlx.DB
	log      *logrus.Logger
	stuckTTL StuckTTLResolver
	events   *eventbus.Publisher
}

func New(db *sqlx.DB, log *logrus.Logger, stuckTTL StuckTTLResolver, events *eventbus.Publisher) *Orchestrator {
	return &Orchestrator{db: db, log: log, stuckTTL: stuckTTL, events: events}
}

// isStuck implements §4.3's stuck definition: now - max(heartbeat_at,
// updated_at, started_at, created_at) > ttl.
func isStuck(r *model.IngestRun, ttl time.Duration, now time.Time) bool {
	last := r.CreatedAt
	if r.UpdatedAt.After(last) {
		last = r.UpdatedAt
	}
	if r.StartedAt != nil && r.StartedAt.After(last) {
		last = *r.StartedAt
	}
	if r.HeartbeatAt != nil && r.HeartbeatAt.After(last) {
		last = *r.HeartbeatAt
	}
	return now.Sub(last) > ttl
}

// CreateQueued implements the exclusion contract: advisory lock, conflict
// check, opportunistic stuck-unlock, insert. All within one transaction so
// the lock (transaction-scoped) covers the whole decision.
func (o *Orchestrator) CreateQueued(
	ctx context.Context,
	projectID int64,
	sourceCode, jobCode string,
	scheduleID *int64,
	triggeredBy model.TriggeredBy,
	params map[string]interface{},
) (*model.IngestRun, error) {
	tx, err := o.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lockKey := ComputeLockKey(projectID, sourceCode, jobCode)

	var acquired bool
	if err := tx.GetContext(ctx, &acquired, `SELECT pg_try_advisory_xact_lock($1)`, lockKey); err != nil {
		return nil, fmt.Errorf("orchestrator: advisory lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockNotAcquired
	}

	active, err := o.getActiveRunTx(ctx, tx, projectID, sourceCode, jobCode)
	if err != nil {
		return nil, err
	}

	if active != nil {
		ttl := o.stuckTTL(sourceCode, jobCode)
		if !isStuck(active, ttl, time.Now().UTC()) {
			return nil, ErrActiveRunExists
		}
		if err := o.markTimeoutTx(ctx, tx, active.ID, "manual_stuck", "create_queued"); err != nil {
			return nil, fmt.Errorf("orchestrator: unlocking stale conflict: %w", err)
		}
	}

	run := &model.IngestRun{
		ID:          uuid.NewString(),
		ScheduleID:  scheduleIDString(scheduleID),
		ProjectID:   projectID,
		SourceCode:  sourceCode,
		JobCode:     jobCode,
		Status:      model.RunQueued,
		TriggeredBy: triggeredBy,
	}
	run.CeleryTaskID = &run.ID

	paramsJSON, err := marshalOrEmpty(params)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshaling params: %w", err)
	}

	const insertSQL = `
		INSERT INTO ingest_runs (
			id, schedule_id, project_id, source_code, job_code, status,
			triggered_by, params, stats, celery_task_id, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}'::jsonb, $9, '{}'::jsonb)
		RETURNING created_at, updated_at`
	if err := tx.QueryRowxContext(ctx, insertSQL,
		run.ID, run.ScheduleID, run.ProjectID, run.SourceCode, run.JobCode,
		run.Status, run.TriggeredBy, paramsJSON, run.CeleryTaskID,
	).Scan(&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, fmt.Errorf("orchestrator: inserting queued run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("orchestrator: commit: %w", err)
	}
	return run, nil
}

func scheduleIDString(id *int64) *string {
	if id == nil {
		return nil
	}
	s := fmt.Sprintf("%d", *id)
	return &s
}

func (o *Orchestrator) getActiveRunTx(ctx context.Context, tx *sqlx.Tx, projectID int64, sourceCode, jobCode string) (*model.IngestRun, error) {
	var run model.IngestRun
	err := tx.GetContext(ctx, &run, `
		SELECT * FROM ingest_runs
		WHERE project_id = $1 AND source_code = $2 AND job_code = $3
		  AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1`, projectID, sourceCode, jobCode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: looking up active run: %w", err)
	}
	return &run, nil
}

// GetActiveRun reports whether (project, source, job) currently has a
// queued/running row, without taking the advisory lock (read-only check).
func (o *Orchestrator) GetActiveRun(ctx context.Context, projectID int64, sourceCode, jobCode string) (*model.IngestRun, error) {
	var run model.IngestRun
	err := o.db.GetContext(ctx, &run, `
		SELECT * FROM ingest_runs
		WHERE project_id = $1 AND source_code = $2 AND job_code = $3
		  AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1`, projectID, sourceCode, jobCode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: GetActiveRun: %w", err)
	}
	return &run, nil
}

// GetRun fetches a run by id.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*model.IngestRun, error) {
	var run model.IngestRun
	err := o.db.GetContext(ctx, &run, `SELECT * FROM ingest_runs WHERE id = $1`, runID)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: GetRun: %w", err)
	}
	return &run, nil
}

// RunFilter narrows ListRuns; zero values are "don't filter on this".
type RunFilter struct {
	SourceCode string
	JobCode    string
	Status     model.RunStatus
	Limit      int
}

// ListRuns returns a project's runs newest-first, honoring whichever filter
// fields are set (§6 "list with filters").
func (o *Orchestrator) ListRuns(ctx context.Context, projectID int64, f RunFilter) ([]model.IngestRun, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT * FROM ingest_runs WHERE project_id = $1`
	args := []interface{}{projectID}

	if f.SourceCode != "" {
		args = append(args, f.SourceCode)
		query += fmt.Sprintf(" AND source_code = $%d", len(args))
	}
	if f.JobCode != "" {
		args = append(args, f.JobCode)
		query += fmt.Sprintf(" AND job_code = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	var out []model.IngestRun
	if err := o.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("orchestrator: ListRuns: %w", err)
	}
	return out, nil
}

// StartRunning performs the CAS queued -> running. A unique-violation from
// the partial index (another row already running for the same triple) is
// translated to ErrRunAlreadyRunning, same as a rowcount-zero CAS failure.
func (o *Orchestrator) StartRunning(ctx context.Context, runID string) (*model.IngestRun, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status = 'running', started_at = now(), heartbeat_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued'`, runID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrRunAlreadyRunning
		}
		return nil, fmt.Errorf("orchestrator: StartRunning: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrRunAlreadyRunning
	}
	return o.GetRun(ctx, runID)
}

// Heartbeat touches heartbeat_at while the run is running. Long sleeps
// (rate-limit backoff, between-page waits) must be chunked into ≤10s
// sub-sleeps that each call this, per §5.
func (o *Orchestrator) Heartbeat(ctx context.Context, runID string) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE ingest_runs SET heartbeat_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'`, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: Heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRunNotRunning
	}
	return nil
}

// SetProgress overwrites the stats blob while running; never authoritative
// for correctness (§4.3).
func (o *Orchestrator) SetProgress(ctx context.Context, runID string, stats map[string]interface{}) error {
	statsJSON, err := marshalOrEmpty(stats)
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling progress stats: %w", err)
	}
	res, err := o.db.ExecContext(ctx, `
		UPDATE ingest_runs SET stats = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'`, runID, statsJSON)
	if err != nil {
		return fmt.Errorf("orchestrator: SetProgress: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRunNotRunning
	}
	return nil
}

// FinishSuccess finalizes a run as success via CAS from running.
func (o *Orchestrator) FinishSuccess(ctx context.Context, runID string, stats map[string]interface{}) error {
	if err := o.finish(ctx, runID, model.RunSuccess, stats, nil); err != nil {
		return err
	}
	o.publishFinished(ctx, runID, model.RunSuccess)
	return nil
}

// FinishFailed finalizes a run as failed via CAS from running, truncating
// error fields to the §7 limits.
func (o *Orchestrator) FinishFailed(ctx context.Context, runID string, reason, errMessage, errTrace string, stats map[string]interface{}) error {
	if stats == nil {
		stats = map[string]interface{}{}
	}
	stats["reason"] = reason

	msg := model.TruncateErrorMessage(errMessage)
	trace := model.TruncateErrorTrace(errTrace)

	statsJSON, err := marshalOrEmpty(stats)
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling failure stats: %w", err)
	}

	res, err := o.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status = 'failed', finished_at = now(), updated_at = now(),
		    duration_ms = EXTRACT(EPOCH FROM (now() - COALESCE(started_at, created_at))) * 1000,
		    stats = $2, error_message = $3, error_trace = $4
		WHERE id = $1 AND status = 'running'`, runID, statsJSON, msg, trace)
	if err != nil {
		return fmt.Errorf("orchestrator: FinishFailed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRunNotRunning
	}
	o.publishFinished(ctx, runID, model.RunFailed)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, runID string, status model.RunStatus, stats map[string]interface{}, _ error) error {
	statsJSON, err := marshalOrEmpty(stats)
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling stats: %w", err)
	}
	res, err := o.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status = $2, finished_at = now(), updated_at = now(),
		    duration_ms = EXTRACT(EPOCH FROM (now() - COALESCE(started_at, created_at))) * 1000,
		    stats = $3
		WHERE id = $1 AND status = 'running'`, runID, status, statsJSON)
	if err != nil {
		return fmt.Errorf("orchestrator: finish(%s): %w", status, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRunNotRunning
	}
	return nil
}

// MarkTimeout force-transitions a queued/running row to timeout, recording
// the system action in meta. Used by manual admin force-timeout and by the
// sweeper.
func (o *Orchestrator) MarkTimeout(ctx context.Context, runID, reasonCode, actor string) error {
	if err := o.markTimeoutTx(ctx, o.db, runID, reasonCode, actor); err != nil {
		return err
	}
	o.publishFinished(ctx, runID, model.RunTimeout)
	return nil
}

// sqlExecer is satisfied by both *sqlx.DB and *sqlx.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (o *Orchestrator) markTimeoutTx(ctx context.Context, execer sqlExecer, runID, reasonCode, actor string) error {
	action, err := json.Marshal(map[string]interface{}{
		"system_action": map[string]interface{}{
			"type":       "mark_timeout",
			"reason_code": reasonCode,
			"actor":      actor,
			"at":         time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling system action: %w", err)
	}

	res, err := execer.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status = 'timeout', finished_at = now(), updated_at = now(),
		    meta = meta || $2::jsonb
		WHERE id = $1 AND status IN ('queued', 'running')`, runID, action)
	if err != nil {
		return fmt.Errorf("orchestrator: MarkTimeout: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRunNotActive
	}
	return nil
}

// MarkSkipped force-transitions a queued/running row to skipped (used by the
// scheduler's exclusion-rejected skip stub and by rate-limit exhaustion).
func (o *Orchestrator) MarkSkipped(ctx context.Context, runID, reasonCode string) error {
	action, err := json.Marshal(map[string]interface{}{
		"system_action": map[string]interface{}{
			"type":        "mark_skipped",
			"reason_code": reasonCode,
			"at":          time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling system action: %w", err)
	}

	res, err := o.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status = 'skipped', finished_at = now(), updated_at = now(),
		    meta = meta || $2::jsonb
		WHERE id = $1 AND status IN ('queued', 'running')`, runID, action)
	if err != nil {
		return fmt.Errorf("orchestrator: MarkSkipped: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRunNotActive
	}
	o.publishFinished(ctx, runID, model.RunSkipped)
	return nil
}

// CreateSkippedStub writes a terminal skipped run directly (no queued phase)
// for the scheduler's "exclusion rejected creation" path (§4.2).
func (o *Orchestrator) CreateSkippedStub(ctx context.Context, projectID int64, sourceCode, jobCode string, scheduleID *int64, reasonCode string) error {
	meta, err := json.Marshal(map[string]interface{}{
		"system_action": map[string]interface{}{
			"type":        "create_skipped_stub",
			"reason_code": reasonCode,
			"at":          time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling stub meta: %w", err)
	}

	_, err = o.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (
			id, schedule_id, project_id, source_code, job_code, status,
			triggered_by, params, stats, meta, finished_at
		) VALUES ($1, $2, $3, $4, $5, 'skipped', 'scheduled', '{}'::jsonb,
		          jsonb_build_object('reason', $6::text), $7, now())`,
		uuid.NewString(), scheduleIDString(scheduleID), projectID, sourceCode, jobCode, reasonCode, meta)
	if err != nil {
		return fmt.Errorf("orchestrator: CreateSkippedStub: %w", err)
	}
	return nil
}

func (o *Orchestrator) publishFinished(ctx context.Context, runID string, status model.RunStatus) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishRunFinished(ctx, runID, string(status)); err != nil {
		o.log.WithError(err).WithField("run_id", runID).Warn("orchestrator: failed to publish run.finished event")
	}
}

func marshalOrEmpty(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}
