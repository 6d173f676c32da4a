package runners

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
	"github.com/psdigitalweb/wb-automation-sub000/internal/storefront"
	"github.com/psdigitalweb/wb-automation-sub000/internal/wbclient"
)

// Brand is one enabled storefront brand to walk, resolved by the caller
// (cmd/ingestd) from the tenant's MarketplaceConnection settings (§3:
// "brand_id, per-brand ingestion parameters").
type Brand struct {
	ID          string
	URLTemplate string // contains "{page}", and the brand id already substituted by the caller
}

// FrontendPrices implements the frontend_prices runner (§4.4): first
// synchronously runs a prices refresh (SPP derivation needs fresh admin
// prices), then walks every enabled brand's storefront pages, deriving
// discount_calc_percent as an SPP proxy, upserting wb_current_metrics,
// appending hourly wb_showcase_price_snapshots buckets, and emitting
// wb_spp_events on change.
func FrontendPrices(d Deps, brandsFor func(ctx context.Context, projectID int64) ([]Brand, error)) registry.RunnerFunc {
	pricesRunner := Prices(d)

	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		priceStats, priceErr := runChainedPrices(ctx, d, pricesRunner, rc)
		if ok, _ := priceStats["ok"].(bool); !ok {
			return registry.Stats{"ok": false, "reason": "prices_refresh_failed"}, priceErr
		}

		brands, err := brandsFor(ctx, rc.ProjectID)
		if err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: resolving brands: %w", err)
		}
		if len(brands) == 0 {
			return registry.Stats{"ok": true, "brands_total": 0}, nil
		}

		client := storefrontClientFor(d)
		sleep := heartbeatSleeper(rc)

		succeeded, failed := 0, 0
		distinctNmID := map[int64]bool{}

		for i, brand := range brands {
			if i > 0 {
				if err := sleep(ctx, jitter(400*time.Millisecond, 1200*time.Millisecond)); err != nil {
					return registry.Stats{"ok": false}, err
				}
			}
			if rc.SetProgress != nil {
				_ = rc.SetProgress(ctx, registry.Stats{
					"phase": "brand", "current_brand_id": brand.ID,
					"brands_done": i, "brands_total": len(brands),
					"succeeded_brands": succeeded, "failed_brands": failed,
				})
			}

			if walkBrand(ctx, d, rc, client, brand, distinctNmID) {
				succeeded++
			} else {
				failed++
			}
		}

		stats := registry.Stats{
			"brands_total": len(brands), "succeeded_brands": succeeded,
			"failed_brands": failed, "distinct_nm_id": len(distinctNmID),
		}
		switch {
		case failed == 0:
			stats["ok"] = true
		case succeeded > 0:
			stats["ok"] = true
			stats["status"] = "partial"
		default:
			stats["ok"] = false
			stats["reason"] = "incomplete_run_failed_to_fetch_page"
		}
		return stats, nil
	}
}

// runChainedPrices creates a separate "prices" IngestRun (triggered_by
// "chained") and executes it synchronously under its own run id, so
// price_snapshots and the run's audit trail attribute to the prices job, not
// to the frontend_prices run that triggered it. Mirrors
// registry.py:_wrap_frontend_prices's create_run_queued +
// execute_ingest_task.apply(prices_run_id).
func runChainedPrices(ctx context.Context, d Deps, pricesRunner registry.RunnerFunc, parentRC registry.RunContext) (registry.Stats, error) {
	params := map[string]interface{}{
		"chained_from_job":    "frontend_prices",
		"chained_from_run_id": parentRC.RunID,
	}
	run, err := d.Orch.CreateQueued(ctx, parentRC.ProjectID, "wb", "prices", nil, model.TriggeredChained, params)
	if err != nil {
		reason := "prices_refresh_failed"
		if errors.Is(err, orchestrator.ErrActiveRunExists) || errors.Is(err, orchestrator.ErrLockNotAcquired) {
			reason = "prices_already_active"
		}
		return registry.Stats{"ok": false, "reason": reason},
			fmt.Errorf("runners: queueing chained prices run: %w", err)
	}

	if _, err := d.Orch.StartRunning(ctx, run.ID); err != nil {
		return registry.Stats{"ok": false}, fmt.Errorf("runners: starting chained prices run: %w", err)
	}

	rc := registry.RunContext{
		RunID:     run.ID,
		ProjectID: parentRC.ProjectID,
		Heartbeat: func(ctx context.Context) error { return d.Orch.Heartbeat(ctx, run.ID) },
		SetProgress: func(ctx context.Context, stats registry.Stats) error {
			return d.Orch.SetProgress(ctx, run.ID, stats)
		},
	}

	stats, runErr := pricesRunner(ctx, rc)

	ok, _ := stats["ok"].(bool)
	var statusErr *wbclient.StatusError
	switch {
	case runErr != nil && errors.As(runErr, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests:
		if err := d.Orch.MarkSkipped(ctx, run.ID, "rate_limited"); err != nil {
			d.Log.WithError(err).Warn("runners: failed to mark chained prices run skipped")
		}
	case runErr != nil, !ok:
		reason, _ := stats["reason"].(string)
		if reason == "" {
			reason = "runner_error"
		}
		errMessage := ""
		if runErr != nil {
			errMessage = runErr.Error()
		}
		if err := d.Orch.FinishFailed(ctx, run.ID, reason, errMessage, "", stats); err != nil {
			d.Log.WithError(err).Warn("runners: failed to finalize chained prices run")
		}
	default:
		if err := d.Orch.FinishSuccess(ctx, run.ID, stats); err != nil {
			d.Log.WithError(err).Warn("runners: failed to finalize chained prices run")
		}
	}

	return stats, runErr
}

// walkBrand paginates one brand until total_pages is reached (if
// advertised) or two consecutive empty pages occur, persisting every row
// along the way. Returns false if the brand could not be fetched at all.
func walkBrand(ctx context.Context, d Deps, rc registry.RunContext, client *storefront.Client, brand Brand, distinctNmID map[int64]bool) bool {
	var totalPages *int
	emptyPages := 0
	fetchedAny := false

	for page := 1; ; page++ {
		result, err := client.FetchPage(ctx, brand.URLTemplate, page)
		if err != nil {
			d.Log.WithError(err).WithField("brand_id", brand.ID).Warn("runners: frontend_prices failed to fetch page")
			return fetchedAny
		}
		fetchedAny = true

		if totalPages == nil && result.TotalPages != nil {
			totalPages = result.TotalPages
		}

		if len(result.Products) == 0 {
			if totalPages != nil {
				// §4.4: do not stop on empty pages once total_pages is known.
				if page >= *totalPages {
					break
				}
				continue
			}
			emptyPages++
			if emptyPages >= 2 {
				break
			}
			continue
		}
		emptyPages = 0

		if err := persistFrontendPage(ctx, d, rc, brand, page, result.Products, distinctNmID); err != nil {
			d.Log.WithError(err).WithField("brand_id", brand.ID).Warn("runners: frontend_prices failed to persist page")
			return fetchedAny
		}

		if totalPages != nil && page >= *totalPages {
			break
		}
	}
	return fetchedAny
}

func persistFrontendPage(ctx context.Context, d Deps, rc registry.RunContext, brand Brand, page int, products []json.RawMessage, distinctNmID map[int64]bool) error {
	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runners: frontend_prices begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	hourBucket := now.Truncate(time.Hour)

	for _, raw := range products {
		var m map[string]interface{}
		if json.Unmarshal(raw, &m) != nil {
			continue
		}
		nmID, ok := firstInt64(m, "id", "nmId", "nmID")
		if !ok {
			continue
		}
		priceBasic := storefrontPrice(m, "priceU", "priceBasic", "basicPrice")
		priceProduct := storefrontPrice(m, "salePriceU", "priceProduct", "salePrice")
		salePercent := floatPtr(m, "sale")

		var sppPercent *float64
		if priceBasic != nil && priceProduct != nil && *priceBasic > 0 {
			v := (1 - *priceProduct/(*priceBasic)) * 100
			sppPercent = &v
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frontend_catalog_price_snapshots (project_id, query_type, query_value, nm_id, page, price_basic, price_product, sale_percent, snapshot_at, ingest_run_id)
			VALUES ($1, 'brand_id', $2, $3, $4, $5, $6, $7, $8, $9)`,
			rc.ProjectID, brand.ID, nmID, page, priceBasic, priceProduct, salePercent, now, rc.RunID); err != nil {
			return fmt.Errorf("runners: inserting frontend_catalog_price_snapshot nm_id=%d: %w", nmID, err)
		}

		var prevSppNull sql.NullFloat64
		err := tx.GetContext(ctx, &prevSppNull, `SELECT current_spp_percent FROM wb_current_metrics WHERE project_id = $1 AND nm_id = $2`, rc.ProjectID, nmID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("runners: reading wb_current_metrics nm_id=%d: %w", nmID, err)
		}
		var prevSpp *float64
		if prevSppNull.Valid {
			v := prevSppNull.Float64
			prevSpp = &v
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wb_current_metrics (project_id, nm_id, current_price_showcase, current_spp_percent, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, nm_id) DO UPDATE SET
				current_price_showcase = EXCLUDED.current_price_showcase,
				current_spp_percent = EXCLUDED.current_spp_percent,
				updated_at = EXCLUDED.updated_at`,
			rc.ProjectID, nmID, priceProduct, sppPercent, now); err != nil {
			return fmt.Errorf("runners: upserting wb_current_metrics nm_id=%d: %w", nmID, err)
		}

		if sppChanged(prevSpp, sppPercent) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO wb_spp_events (project_id, nm_id, prev_spp_percent, spp_percent, ingest_run_id, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				rc.ProjectID, nmID, prevSpp, sppPercent, rc.RunID, now); err != nil {
				return fmt.Errorf("runners: inserting wb_spp_event nm_id=%d: %w", nmID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wb_showcase_price_snapshots (project_id, nm_id, hour_bucket_utc, price_showcase, spp_percent, ingest_run_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (project_id, nm_id, hour_bucket_utc) DO NOTHING`,
			rc.ProjectID, nmID, hourBucket, priceProduct, sppPercent, rc.RunID); err != nil {
			return fmt.Errorf("runners: inserting wb_showcase_price_snapshot nm_id=%d: %w", nmID, err)
		}

		distinctNmID[nmID] = true
	}

	return tx.Commit()
}

func storefrontPrice(m map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				// WB storefront prices are often in kopecks (priceU); normalize
				// to rubles when the field name carries the "U" suffix convention.
				if len(k) > 0 && k[len(k)-1] == 'U' {
					f = f / 100
				}
				return &f
			}
		}
	}
	return nil
}

func sppChanged(prev, next *float64) bool {
	if prev == nil && next == nil {
		return false
	}
	if (prev == nil) != (next == nil) {
		return true
	}
	return *prev != *next
}
