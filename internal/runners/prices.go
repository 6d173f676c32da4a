package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
)

// Prices implements the prices runner: refreshes the seller's admin price
// per nm_id, appending to price_snapshots (§4.4).
func Prices(d Deps) registry.RunnerFunc {
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		client, err := wbClientFor(ctx, d, rc.ProjectID)
		if err != nil {
			return noCredentials(err)
		}
		sleep := heartbeatSleeper(rc)

		const pageSize = 1000
		now := time.Now().UTC()
		count := 0
		offset := 0

		for {
			rows, err := client.GetPricesPage(ctx, offset, pageSize, sleep)
			if err != nil {
				if count == 0 {
					return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page"}, err
				}
				return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page", "rows_count": count}, err
			}
			if len(rows) == 0 {
				break
			}

			tx, err := d.DB.BeginTxx(ctx, nil)
			if err != nil {
				return registry.Stats{"ok": false}, fmt.Errorf("runners: prices begin tx: %w", err)
			}

			for _, raw := range rows {
				var m map[string]interface{}
				if json.Unmarshal(raw, &m) != nil {
					continue
				}
				nmID, ok := firstInt64(m, "nmId", "nmID", "nm_id")
				if !ok {
					continue
				}
				price := floatPtr(m, "price")
				discount := floatPtr(m, "discount")

				if _, err := tx.ExecContext(ctx, `
					INSERT INTO price_snapshots (project_id, nm_id, wb_price, wb_discount, created_at, ingest_run_id)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					rc.ProjectID, nmID, price, discount, now, rc.RunID); err != nil {
					tx.Rollback() //nolint:errcheck
					return registry.Stats{"ok": false, "rows_count": count}, fmt.Errorf("runners: inserting price_snapshot nm_id=%d: %w", nmID, err)
				}
				count++
			}

			if err := tx.Commit(); err != nil {
				return registry.Stats{"ok": false, "rows_count": count}, fmt.Errorf("runners: prices commit: %w", err)
			}

			if rc.SetProgress != nil {
				_ = rc.SetProgress(ctx, registry.Stats{"rows_count": count})
			}

			if len(rows) < pageSize {
				break
			}
			offset += pageSize
		}

		return registry.Stats{"ok": true, "rows_count": count}, nil
	}
}

func floatPtr(m map[string]interface{}, key string) *float64 {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return &f
		}
	}
	return nil
}
