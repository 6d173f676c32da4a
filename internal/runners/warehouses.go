package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
)

// Warehouses implements the warehouses (WB seller warehouses) runner:
// single-page listing, full replace per run via a new synced_at batch
// (§4.4).
func Warehouses(d Deps) registry.RunnerFunc {
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		client, err := wbClientFor(ctx, d, rc.ProjectID)
		if err != nil {
			return noCredentials(err)
		}
		sleep := heartbeatSleeper(rc)

		rows, err := client.GetSellerWarehouses(ctx, sleep)
		if err != nil {
			return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page"}, err
		}

		// Offices are fetched too (§6) so warehouse rows can resolve
		// office_id even when the warehouses payload omits it.
		offices, err := client.GetOffices(ctx, sleep)
		if err != nil {
			d.Log.WithError(err).Warn("runners: warehouses failed to fetch offices, continuing without office enrichment")
			offices = nil
		}
		officeIDs := map[string]int64{}
		for _, raw := range offices {
			var m map[string]interface{}
			if json.Unmarshal(raw, &m) != nil {
				continue
			}
			name, _ := m["name"].(string)
			if id, ok := firstInt64(m, "id", "officeId"); ok && name != "" {
				officeIDs[name] = id
			}
		}

		now := time.Now().UTC()
		tx, err := d.DB.BeginTxx(ctx, nil)
		if err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: warehouses begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		count := 0
		for _, raw := range rows {
			var m map[string]interface{}
			if json.Unmarshal(raw, &m) != nil {
				continue
			}
			whID, ok := firstInt64(m, "id", "warehouseId", "warehouse_id")
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			isActive := true
			if v, ok := m["isActive"].(bool); ok {
				isActive = v
			}
			var officeID *int64
			if id, ok := officeIDs[name]; ok {
				officeID = &id
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO wb_warehouses (project_id, warehouse_id, name, office_id, is_active, synced_at, ingest_run_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rc.ProjectID, whID, name, officeID, isActive, now, rc.RunID)
			if err != nil {
				return registry.Stats{"ok": false}, fmt.Errorf("runners: inserting wb_warehouse %d: %w", whID, err)
			}
			count++
		}

		if err := tx.Commit(); err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: warehouses commit: %w", err)
		}

		return registry.Stats{"ok": true, "warehouses_count": count}, nil
	}
}
