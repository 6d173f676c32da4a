// Package runners implements one RunnerFunc per (source_code, job_code)
// pair in the registry (§4.4). All runners share the same shape: resolve
// credentials, build a rate-limited client, paginate with persistence and
// progress, classify completeness, and chain where the spec calls for it.
//
// Grounded throughout on services/order's sqlx-direct repository style for
// the append-only snapshot writes, and on
// integrations/loyverse/internal/connector/client.go's pagination loops for
// the runner control flow itself.
package runners

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/psdigitalweb/wb-automation-sub000/internal/credentials"
	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
	"github.com/psdigitalweb/wb-automation-sub000/internal/storefront"
	"github.com/psdigitalweb/wb-automation-sub000/internal/store"
	"github.com/psdigitalweb/wb-automation-sub000/internal/wbclient"
)

// Deps are the dependencies every runner closes over; built once in
// cmd/ingestd and threaded into each registry.Definition.Run closure.
type Deps struct {
	DB    *sqlx.DB
	Store *store.Store
	Creds *credentials.Resolver
	Orch  *orchestrator.Orchestrator
	Log   *logrus.Logger

	// MinContentPageInterval / SupplierStocksInterval / MinStorefrontInterval
	// are operator-tunable knobs surfaced from config, defaulting to the
	// intervals §6 documents.
	MinContentPageInterval time.Duration
	SupplierStocksInterval time.Duration
	MinStorefrontInterval  time.Duration
}

// heartbeatSleeper turns a RunContext's Heartbeat callback into a
// wbclient.Sleeper / storefront.Sleeper: any sleep longer than 10s is
// chunked into <=10s subsleeps that each touch heartbeat, per §5's
// suspension-point rule.
func heartbeatSleeper(rc registry.RunContext) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		const chunk = 10 * time.Second
		remaining := d
		for remaining > 0 {
			step := remaining
			if step > chunk {
				step = chunk
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step):
			}
			remaining -= step
			if rc.Heartbeat != nil {
				if err := rc.Heartbeat(ctx); err != nil {
					return err
				}
			}
			if rc.SetProgress != nil {
				_ = rc.SetProgress(ctx, registry.Stats{"sleep_remaining_seconds": remaining.Seconds()})
			}
		}
		return nil
	}
}

// jitter returns a uniformly random duration in [min, max), used for the
// between-brand pause in frontend_prices (§4.4: "uniform 0.4-1.2s").
func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// wbClientFor resolves the project's wildberries token and builds a client,
// returning the shared no_credentials classification on failure.
func wbClientFor(ctx context.Context, d Deps, projectID int64) (*wbclient.Client, error) {
	token, err := d.Creds.Resolve(ctx, projectID, "wildberries")
	if err != nil {
		return nil, err
	}
	return wbclient.New(token, d.MinContentPageInterval, d.SupplierStocksInterval), nil
}

func storefrontClientFor(d Deps) *storefront.Client {
	interval := d.MinStorefrontInterval
	if interval == 0 {
		interval = 400 * time.Millisecond
	}
	return storefront.New(interval)
}

// noCredentials builds the stats map for the shared no_credentials failure
// path (§4.4 point 1, §7 reason vocabulary).
func noCredentials(err error) (registry.Stats, error) {
	return registry.Stats{"ok": false, "reason": "no_credentials"}, fmt.Errorf("runners: resolving credentials: %w", err)
}

// coveragePasses implements §4.4 point 5's completeness heuristic.
func coveragePasses(distinctSeen, expectedTotal int) bool {
	if expectedTotal <= 0 {
		return true
	}
	return float64(distinctSeen)/float64(expectedTotal) >= 0.95
}
