package runners

import (
	"context"
	"fmt"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
)

// BuildRRPSnapshots projects the latest successful/partial Internal Data
// snapshot's non-null-RRP rows into rrp_snapshots. Idempotent: each run
// appends a new snapshot_at batch, readers take the latest. Always returns
// ok=true when it runs at all, even with zero rows written — absence of
// RRP data is not itself a failure (resolved Open Question, see DESIGN.md).
func BuildRRPSnapshots(d Deps) registry.RunnerFunc {
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		var snapshotID int64
		err := d.DB.GetContext(ctx, &snapshotID, `
			SELECT id FROM internal_data_snapshots
			WHERE project_id = $1 AND status IN ('success', 'partial')
			ORDER BY created_at DESC LIMIT 1`, rc.ProjectID)
		if err != nil {
			// No Internal Data snapshot yet is not a failure: nothing to project.
			return registry.Stats{"ok": true, "rows_count": 0, "reason": "no_internal_data_snapshot"}, nil
		}

		now := time.Now().UTC()
		res, err := d.DB.ExecContext(ctx, `
			INSERT INTO rrp_snapshots (project_id, vendor_code_norm, rrp_price, rrp_stock, snapshot_at, ingest_run_id)
			SELECT ip.project_id, ip.internal_sku, ipp.rrp, NULL, $2, $3
			FROM internal_products ip
			JOIN internal_product_prices ipp ON ipp.internal_product_id = ip.id
			WHERE ip.project_id = $1 AND ip.snapshot_id = $4 AND ipp.rrp IS NOT NULL`,
			rc.ProjectID, now, rc.RunID, snapshotID)
		if err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: projecting rrp_snapshots: %w", err)
		}
		n, _ := res.RowsAffected()

		return registry.Stats{"ok": true, "rows_count": n}, nil
	}
}
