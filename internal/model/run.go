// Package model holds the persisted entity shapes shared across the
// orchestrator, runners, and store packages.
package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the IngestRun lifecycle state (§4.3 of the expanded spec).
type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunTimeout RunStatus = "timeout"
	RunSkipped RunStatus = "skipped"
)

// IsActive reports whether a run in this status counts toward the
// at-most-one-active-run-per-(project,source,job) exclusion invariant.
func (s RunStatus) IsActive() bool {
	return s == RunQueued || s == RunRunning
}

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunTimeout || s == RunSkipped
}

// TriggeredBy identifies what created the run.
type TriggeredBy string

const (
	TriggeredManual    TriggeredBy = "manual"
	TriggeredScheduled TriggeredBy = "scheduled"
	TriggeredChained   TriggeredBy = "chained"
)

// IngestRun is the audit and coordination record for one job execution.
// Scanned via sqlx (not GORM): every mutation is a hand-written, CAS-checked
// statement, so an ORM would only get in the way here.
type IngestRun struct {
	ID         string     `db:"id"`
	ScheduleID *string    `db:"schedule_id"`
	ProjectID  int64      `db:"project_id"`
	SourceCode string     `db:"source_code"`
	JobCode    string     `db:"job_code"`
	Status     RunStatus  `db:"status"`

	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
	HeartbeatAt *time.Time `db:"heartbeat_at"`
	UpdatedAt   time.Time  `db:"updated_at"`

	TriggeredBy TriggeredBy `db:"triggered_by"`

	Params json.RawMessage `db:"params"`
	Stats  json.RawMessage `db:"stats"`

	ErrorMessage *string `db:"error_message"`
	ErrorTrace   *string `db:"error_trace"`
	// CeleryTaskID is carried for cross-implementation schema compatibility
	// only; this process has no external task queue and populates it with the
	// run's own id as a local correlation string.
	CeleryTaskID *string         `db:"celery_task_id"`
	Meta         json.RawMessage `db:"meta"`

	DurationMs *int64 `db:"duration_ms"`
}

const (
	// ErrorMessageMaxLen and ErrorTraceMaxLen are the hard field-length
	// limits from §7: token values and full request bodies are forbidden
	// regardless of length.
	ErrorMessageMaxLen = 500
	ErrorTraceMaxLen   = 50000
)

// TruncateErrorMessage enforces the §7 field-length limit.
func TruncateErrorMessage(s string) string {
	if len(s) <= ErrorMessageMaxLen {
		return s
	}
	return s[:ErrorMessageMaxLen]
}

// TruncateErrorTrace enforces the §7 field-length limit.
func TruncateErrorTrace(s string) string {
	if len(s) <= ErrorTraceMaxLen {
		return s
	}
	return s[:ErrorTraceMaxLen]
}
