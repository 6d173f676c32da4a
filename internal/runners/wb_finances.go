package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
)

// WbFinances implements the wb_finances runner: requires date_from/date_to
// in params (validated at enqueue per §4.4), paginates the detailed
// per-period report by rrdid, and stores a header row plus opaque line
// payloads.
func WbFinances(d Deps) registry.RunnerFunc {
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		dateFrom, dateTo, err := parseFinanceDates(rc.Params)
		if err != nil {
			return registry.Stats{"ok": false, "reason": "invalid_params"}, err
		}

		client, err := wbClientFor(ctx, d, rc.ProjectID)
		if err != nil {
			return noCredentials(err)
		}
		sleep := heartbeatSleeper(rc)

		tx, err := d.DB.BeginTxx(ctx, nil)
		if err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: wb_finances begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		reportID := fmt.Sprintf("%s_%s_%s", rc.RunID, dateFrom.Format("20060102"), dateTo.Format("20060102"))
		var reportPK int64
		if err := tx.QueryRowxContext(ctx, `
			INSERT INTO wb_finance_reports (project_id, report_id, period_from, period_to, ingest_run_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, report_id) DO UPDATE SET created_at = now()
			RETURNING id`,
			rc.ProjectID, reportID, dateFrom, dateTo, rc.RunID).Scan(&reportPK); err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: inserting wb_finance_report header: %w", err)
		}

		var rrdid int64
		rowsCount := 0
		for {
			rows, err := client.GetFinanceReportPage(ctx, dateFrom, dateTo, rrdid, sleep)
			if err != nil {
				return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page", "rows_count": rowsCount}, err
			}
			if len(rows) == 0 {
				break
			}
			for _, raw := range rows {
				if _, err := tx.ExecContext(ctx, `INSERT INTO wb_finance_report_lines (report_id, payload) VALUES ($1, $2)`, reportPK, []byte(raw)); err != nil {
					return registry.Stats{"ok": false, "rows_count": rowsCount}, fmt.Errorf("runners: inserting wb_finance_report_line: %w", err)
				}
				rowsCount++
			}
			last := rows[len(rows)-1]
			nextRrdid, ok := rrdidFromRaw(last)
			if !ok || nextRrdid <= rrdid {
				break
			}
			rrdid = nextRrdid

			if rc.SetProgress != nil {
				_ = rc.SetProgress(ctx, registry.Stats{"rows_count": rowsCount})
			}
		}

		if err := tx.Commit(); err != nil {
			return registry.Stats{"ok": false, "rows_count": rowsCount}, fmt.Errorf("runners: wb_finances commit: %w", err)
		}

		return registry.Stats{"ok": true, "rows_count": rowsCount}, nil
	}
}

func parseFinanceDates(params map[string]interface{}) (time.Time, time.Time, error) {
	fromStr, _ := params["date_from"].(string)
	toStr, _ := params["date_to"].(string)
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("runners: wb_finances requires date_from and date_to")
	}
	from, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("runners: parsing date_from: %w", err)
	}
	to, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("runners: parsing date_to: %w", err)
	}
	return from, to, nil
}

func rrdidFromRaw(raw []byte) (int64, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false
	}
	return firstInt64(m, "rrd_id", "rrdid")
}
