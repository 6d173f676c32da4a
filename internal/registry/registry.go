// Package registry holds the static (source_code, job_code) -> runner
// mapping and job metadata (§4.1). Grounded on
// original_source/src/app/services/ingest/registry.py's _JOB_DEFINITIONS /
// _REGISTRY / execute_ingest_job shape.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrJobNotFound is returned when a (source, job) pair has no runner
// registered. The orchestrator treats this as a fail-closed transition
// straight from queued to failed.
var ErrJobNotFound = errors.New("registry: job not found")

// Stats is the free-form result every runner returns; always at least "ok"
// and, on failure, "reason".
type Stats map[string]interface{}

// RunnerFunc is the signature every ingestion runner and internal-data build
// implements.
type RunnerFunc func(ctx context.Context, rc RunContext) (Stats, error)

// RunContext carries everything a runner needs without reaching for
// globals, per the "no module-level singletons" design note (§9).
type RunContext struct {
	RunID     string
	ProjectID int64
	Params    map[string]interface{}

	Heartbeat   func(ctx context.Context) error
	SetProgress func(ctx context.Context, stats Stats) error
}

// Definition is one row of the job registry table.
type Definition struct {
	SourceCode      string
	JobCode         string
	Title           string
	SupportsSchedule bool
	SupportsManual   bool
	// StuckTTL overrides the global default when non-zero (Open Question
	// decision #3).
	StuckTTL time.Duration
	Run      RunnerFunc
}

type key struct{ source, job string }

// Registry is the static job table, built once at process start.
type Registry struct {
	defs map[key]Definition
}

func New() *Registry {
	return &Registry{defs: make(map[key]Definition)}
}

// Register adds a job definition. Intended to be called once per job at
// process wiring time (cmd/ingestd), not dynamically at runtime.
func (r *Registry) Register(def Definition) {
	r.defs[key{def.SourceCode, def.JobCode}] = def
}

// Lookup fails closed: an unknown pair returns ErrJobNotFound.
func (r *Registry) Lookup(sourceCode, jobCode string) (Definition, error) {
	def, ok := r.defs[key{sourceCode, jobCode}]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s/%s", ErrJobNotFound, sourceCode, jobCode)
	}
	return def, nil
}

// LookupByJobCode finds a definition by job_code alone, regardless of
// source. job_code is unique across the whole table (§4.1), so this never
// has to pick between candidates; it exists for the convenience
// manual-trigger route, which addresses jobs by job_code without the
// caller having to know which source owns them.
func (r *Registry) LookupByJobCode(jobCode string) (Definition, error) {
	for k, def := range r.defs {
		if k.job == jobCode {
			return def, nil
		}
	}
	return Definition{}, fmt.Errorf("%w: */%s", ErrJobNotFound, jobCode)
}

// List returns all registered definitions, source then title, matching
// registry.py's list_job_definitions ordering.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.SourceCode > b.SourceCode || (a.SourceCode == b.SourceCode && a.Title > b.Title) {
				out[j-1], out[j] = out[j], out[j-1]
			} else {
				break
			}
		}
	}
	return out
}
