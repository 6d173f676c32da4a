package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
)

// Stocks implements the stocks (WB FBS) runner: whole-warehouse refresh per
// run, appended as a new snapshot_at batch, readers select MAX(snapshot_at)
// (§4.4, §4.5).
func Stocks(d Deps) registry.RunnerFunc {
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		client, err := wbClientFor(ctx, d, rc.ProjectID)
		if err != nil {
			return noCredentials(err)
		}
		sleep := heartbeatSleeper(rc)

		warehouses, err := client.GetSellerWarehouses(ctx, sleep)
		if err != nil {
			return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page"}, err
		}

		now := time.Now().UTC()
		tx, err := d.DB.BeginTxx(ctx, nil)
		if err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: stocks begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		count := 0
		for _, rawWh := range warehouses {
			var whMeta map[string]interface{}
			if json.Unmarshal(rawWh, &whMeta) != nil {
				continue
			}
			whID, ok := firstInt64(whMeta, "id", "warehouseId", "warehouse_id")
			if !ok {
				continue
			}

			rows, err := client.GetWarehouseStocks(ctx, whID, sleep)
			if err != nil {
				d.Log.WithError(err).WithField("warehouse_id", whID).Warn("runners: stocks failed to fetch one warehouse, continuing")
				continue
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
				qty, _ := firstInt64(m, "amount", "quantity", "stock")

				_, err := tx.ExecContext(ctx, `
					INSERT INTO stock_snapshots (project_id, nm_id, warehouse_id, quantity, snapshot_at, ingest_run_id)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					rc.ProjectID, nmID, whID, qty, now, rc.RunID)
				if err != nil {
					return registry.Stats{"ok": false}, fmt.Errorf("runners: inserting stock_snapshot nm_id=%d: %w", nmID, err)
				}
				count++
			}

			if rc.SetProgress != nil {
				_ = rc.SetProgress(ctx, registry.Stats{"rows_count": count})
			}
		}

		if err := tx.Commit(); err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: stocks commit: %w", err)
		}

		return registry.Stats{"ok": true, "rows_count": count}, nil
	}
}
