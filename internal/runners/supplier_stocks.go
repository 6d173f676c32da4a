package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
)

const (
	supplierStocksDefaultStart = "2019-06-20T00:00:00Z"
	supplierStocksOverlap      = 2 * time.Minute
	supplierStocksPageCap      = 200
)

// SupplierStocks implements the supplier_stocks (WB FBO) runner: paginate by
// dateFrom = lastChangeDate, rate-limited to 1 call/minute by the client,
// restart 2 minutes behind the last observed last_change_date relying on
// the (last_change_date, nm_id, barcode, warehouse_name) uniqueness
// constraint to absorb the overlap, and a hard page cap as a safety valve
// (§4.4, grounded on original_source's ingest_supplier_stocks.py).
func SupplierStocks(d Deps) registry.RunnerFunc {
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		client, err := wbClientFor(ctx, d, rc.ProjectID)
		if err != nil {
			return noCredentials(err)
		}
		sleep := heartbeatSleeper(rc)

		dateFrom, err := resolveSupplierStocksStart(ctx, d)
		if err != nil {
			return registry.Stats{"ok": false}, err
		}

		totalRows := 0
		for page := 0; page < supplierStocksPageCap; page++ {
			rows, err := client.GetSupplierStocksPage(ctx, dateFrom, sleep)
			if err != nil {
				if page == 0 {
					return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page"}, err
				}
				return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page", "rows_count": totalRows}, err
			}
			if len(rows) == 0 {
				break
			}

			lastChangeDate, inserted, err := persistSupplierStocksPage(ctx, d, rc, rows)
			if err != nil {
				return registry.Stats{"ok": false, "rows_count": totalRows}, err
			}
			totalRows += inserted

			if rc.SetProgress != nil {
				_ = rc.SetProgress(ctx, registry.Stats{"page": page + 1, "rows_count": totalRows})
			}

			nextDateFrom := lastChangeDate.Add(-supplierStocksOverlap)
			if !nextDateFrom.After(dateFrom) {
				// No forward progress: avoid an infinite loop (§4.4).
				break
			}
			dateFrom = nextDateFrom
		}

		return registry.Stats{"ok": true, "rows_count": totalRows}, nil
	}
}

func resolveSupplierStocksStart(ctx context.Context, d Deps) (time.Time, error) {
	var maxDate *time.Time
	err := d.DB.GetContext(ctx, &maxDate, `SELECT MAX(last_change_date) FROM supplier_stock_snapshots`)
	if err != nil {
		return time.Time{}, fmt.Errorf("runners: resolving supplier_stocks start: %w", err)
	}
	if maxDate != nil {
		return maxDate.Add(-supplierStocksOverlap), nil
	}
	t, err := time.Parse(time.RFC3339, supplierStocksDefaultStart)
	if err != nil {
		return time.Time{}, fmt.Errorf("runners: parsing default supplier_stocks start: %w", err)
	}
	return t, nil
}

func persistSupplierStocksPage(ctx context.Context, d Deps, rc registry.RunContext, rows []json.RawMessage) (time.Time, int, error) {
	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("runners: supplier_stocks begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var latest time.Time
	inserted := 0
	for _, raw := range rows {
		var m map[string]interface{}
		if json.Unmarshal(raw, &m) != nil {
			continue
		}
		nmID, ok := firstInt64(m, "nmId", "nmID", "nm_id")
		if !ok {
			continue
		}
		barcode, _ := m["barcode"].(string)
		warehouseName, _ := m["warehouseName"].(string)
		qty, _ := firstInt64(m, "quantity", "quantityFull")

		lastChangeStr, _ := m["lastChangeDate"].(string)
		lastChangeDate, err := time.Parse(time.RFC3339, lastChangeStr)
		if err != nil {
			lastChangeDate, err = time.Parse("2006-01-02T15:04:05", lastChangeStr)
			if err != nil {
				continue
			}
		}
		if lastChangeDate.After(latest) {
			latest = lastChangeDate
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO supplier_stock_snapshots (nm_id, barcode, warehouse_name, quantity, last_change_date, snapshot_at, ingest_run_id)
			VALUES ($1, $2, $3, $4, $5, now(), $6)
			ON CONFLICT (last_change_date, nm_id, barcode, warehouse_name) DO NOTHING`,
			nmID, barcode, warehouseName, qty, lastChangeDate, rc.RunID)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("runners: inserting supplier_stock_snapshot nm_id=%d: %w", nmID, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, 0, fmt.Errorf("runners: supplier_stocks commit: %w", err)
	}
	return latest, inserted, nil
}
