package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper periodically finds stuck queued/running rows and flips them to
// timeout, independent of the opportunistic check inside CreateQueued
// (§4.3 point (b): "proactively via a periodic sweeper").
type Sweeper struct {
	orch     *Orchestrator
	log      *logrus.Logger
	stuckTTL StuckTTLResolver
	lock     coarseLock

	mu          sync.Mutex
	lastSweptAt time.Time
	lastSweptN  int
}

// Status is a snapshot of the sweeper's last completed run, surfaced by the
// admin status endpoint (§6).
type SweeperStatus struct {
	LastSweptAt time.Time
	LastSweptN  int
}

// Status returns the last completed sweep's time and count.
func (s *Sweeper) Status() SweeperStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SweeperStatus{LastSweptAt: s.lastSweptAt, LastSweptN: s.lastSweptN}
}

// coarseLock is satisfied by internal/coarselock.Lock; kept as a narrow
// interface here so the orchestrator package does not import coarselock
// directly (avoids an import cycle, since coarselock has no reason to know
// about runs).
type coarseLock interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

func NewSweeper(orch *Orchestrator, log *logrus.Logger, stuckTTL StuckTTLResolver, lock coarseLock) *Sweeper {
	return &Sweeper{orch: orch, log: log, stuckTTL: stuckTTL, lock: lock}
}

// Run executes one sweep. Losing the coarse-lock race across worker
// replicas is harmless: the next tick retries (§5).
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	const lockKey = "ingest:sweeper:lock"
	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(ctx, lockKey, 5*time.Minute)
		if err != nil {
			return 0, fmt.Errorf("sweeper: acquiring coarse lock: %w", err)
		}
		if !acquired {
			return 0, nil
		}
		defer s.lock.Release(ctx, lockKey) //nolint:errcheck
	}

	rows, err := s.orch.db.QueryxContext(ctx, `
		SELECT id, source_code, job_code,
		       GREATEST(heartbeat_at, updated_at, started_at, created_at) AS last_seen
		FROM ingest_runs
		WHERE status IN ('queued', 'running')`)
	if err != nil {
		return 0, fmt.Errorf("sweeper: querying active runs: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		ID         string       `db:"id"`
		SourceCode string       `db:"source_code"`
		JobCode    string       `db:"job_code"`
		LastSeen   sql.NullTime `db:"last_seen"`
	}

	var stuck []candidate
	now := time.Now().UTC()
	for rows.Next() {
		var c candidate
		if err := rows.StructScan(&c); err != nil {
			return 0, fmt.Errorf("sweeper: scanning candidate: %w", err)
		}
		if !c.LastSeen.Valid {
			continue
		}
		ttl := s.stuckTTL(c.SourceCode, c.JobCode)
		if now.Sub(c.LastSeen.Time) > ttl {
			stuck = append(stuck, c)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sweeper: iterating candidates: %w", err)
	}

	swept := 0
	for _, c := range stuck {
		if err := s.orch.MarkTimeout(ctx, c.ID, "stale_unlock_conflict", "sweeper"); err != nil {
			s.log.WithError(err).WithField("run_id", c.ID).Warn("sweeper: failed to mark run timeout")
			continue
		}
		swept++
	}

	s.mu.Lock()
	s.lastSweptAt = now
	s.lastSweptN = swept
	s.mu.Unlock()

	return swept, nil
}
