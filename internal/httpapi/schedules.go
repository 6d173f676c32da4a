package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
	"github.com/psdigitalweb/wb-automation-sub000/internal/scheduler"
)

type createScheduleRequest struct {
	SourceCode string `json:"source_code"`
	JobCode    string `json:"job_code"`
	CronExpr   string `json:"cron_expr"`
	Timezone   string `json:"timezone"`
	IsEnabled  *bool  `json:"is_enabled"`
}

// handleCreateSchedule creates or updates a project's schedule for a
// (source, job) pair, validating the job exists, supports scheduling, and
// the cron expression parses (§3 IngestSchedule invariants).
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathInt64(r, "project_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid project id")
		return
	}

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "malformed request body")
		return
	}
	if req.SourceCode == "" || req.JobCode == "" || req.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "source_code, job_code, and cron_expr are required")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	def, err := s.deps.Registry.Lookup(req.SourceCode, req.JobCode)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "job_not_found", err.Error())
		return
	}
	if !def.SupportsSchedule {
		writeError(w, http.StatusUnprocessableEntity, "invalid_params", "job does not support scheduling")
		return
	}

	nextRunAt, err := scheduler.NextInstant(req.CronExpr, req.Timezone, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	isEnabled := true
	if req.IsEnabled != nil {
		isEnabled = *req.IsEnabled
	}

	sched := &model.IngestSchedule{
		ProjectID:  projectID,
		SourceCode: req.SourceCode,
		JobCode:    req.JobCode,
		CronExpr:   req.CronExpr,
		Timezone:   req.Timezone,
		IsEnabled:  isEnabled,
		NextRunAt:  nextRunAt,
	}
	if err := s.deps.Store.UpsertSchedule(r.Context(), sched); err != nil {
		s.deps.Log.WithError(err).Error("httpapi: failed to upsert schedule")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save schedule")
		return
	}

	writeJSON(w, http.StatusCreated, sched)
}

// handleRunSchedule manually triggers the job a schedule row names,
// honoring the exclusion contract (§4.3): a 409 is returned on an active
// run or lost advisory lock race.
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid schedule id")
		return
	}

	sched, err := s.deps.Store.GetScheduleByID(r.Context(), id)
	if err != nil {
		s.deps.Log.WithError(err).Error("httpapi: failed to load schedule")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load schedule")
		return
	}
	if sched == nil {
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		return
	}

	run, err := s.deps.Orch.CreateQueued(r.Context(), sched.ProjectID, sched.SourceCode, sched.JobCode, &sched.ID, model.TriggeredManual, nil)
	if err != nil {
		s.writeCreateQueuedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleManualRun is the convenience manual-trigger route addressed by
// (project, job_code) directly rather than by schedule id, honoring
// supports_manual (§6). job_code is looked up across every registered
// source, not just wb, since the URL's "wb" segment names the route's
// historical origin, not a source filter.
func (s *Server) handleManualRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathInt64(r, "project_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid project id")
		return
	}
	jobCode := mux.Vars(r)["job_code"]

	def, err := s.deps.Registry.LookupByJobCode(jobCode)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "job_not_found", "unknown job_code")
		return
	}
	if !def.SupportsManual {
		writeError(w, http.StatusUnprocessableEntity, "invalid_params", "job does not support manual triggering")
		return
	}

	var params map[string]interface{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&params)
	}

	run, err := s.deps.Orch.CreateQueued(r.Context(), projectID, def.SourceCode, def.JobCode, nil, model.TriggeredManual, params)
	if err != nil {
		s.writeCreateQueuedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) writeCreateQueuedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrActiveRunExists), errors.Is(err, orchestrator.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "active_run_exists", err.Error())
	default:
		s.deps.Log.WithError(err).Error("httpapi: failed to create queued run")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create run")
	}
}

// handleListRuns lists a project's runs, optionally filtered by
// source_code, job_code, and status query params (§6).
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathInt64(r, "project_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid project id")
		return
	}

	q := r.URL.Query()
	filter := orchestrator.RunFilter{
		SourceCode: q.Get("source_code"),
		JobCode:    q.Get("job_code"),
		Status:     model.RunStatus(q.Get("status")),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	runs, err := s.deps.Orch.ListRuns(r.Context(), projectID, filter)
	if err != nil {
		s.deps.Log.WithError(err).Error("httpapi: failed to list runs")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleMarkTimeout is the admin force-timeout action; only queued/running
// runs are eligible (§6).
func (s *Server) handleMarkTimeout(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	if err := s.deps.Orch.MarkTimeout(r.Context(), runID, "manual_stuck", "admin"); err != nil {
		if errors.Is(err, orchestrator.ErrRunNotActive) {
			writeError(w, http.StatusConflict, "run_not_active", "run is not queued or running")
			return
		}
		s.deps.Log.WithError(err).Error("httpapi: failed to mark run timeout")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mark timeout")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "timeout"})
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[key], 10, 64)
}
