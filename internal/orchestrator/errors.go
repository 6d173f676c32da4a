package orchestrator

import "errors"

// Sentinel errors returned by orchestrator operations, checked with
// errors.Is by callers (runners, scheduler, httpapi) — mirrors
// domain.ErrOrderNotFound in the teacher's order service.
var (
	ErrRunNotFound        = errors.New("orchestrator: run not found")
	ErrRunAlreadyRunning  = errors.New("orchestrator: run already running")
	ErrActiveRunExists    = errors.New("orchestrator: active run already exists")
	ErrLockNotAcquired    = errors.New("orchestrator: advisory lock not acquired")
	ErrRunNotRunning      = errors.New("orchestrator: run is not in running status")
	ErrRunNotActive       = errors.New("orchestrator: run is not queued or running")
)
