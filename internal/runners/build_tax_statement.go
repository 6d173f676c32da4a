package runners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
)

// BuildTaxStatement implements the build_tax_statement runner (§4.4):
// unlike every other job it re-fetches its own run row before trusting
// params, since the run could in principle have been swept or deleted
// between enqueue and execution, and derives its aggregates from the
// latest wb_finance_report_lines rather than a live WB call. External to
// the append-only snapshot model: it writes a single row per period into
// wb_tax_statements, upserted on (project_id, period_id).
func BuildTaxStatement(d Deps) registry.RunnerFunc {
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		if _, err := d.Orch.GetRun(ctx, rc.RunID); err != nil {
			if errors.Is(err, orchestrator.ErrRunNotFound) {
				return registry.Stats{"ok": false, "reason": "run_not_found", "run_id": rc.RunID}, nil
			}
			return registry.Stats{"ok": false}, fmt.Errorf("runners: build_tax_statement refetching run: %w", err)
		}

		periodID, _ := rc.Params["period_id"].(string)
		if periodID == "" {
			return registry.Stats{"ok": false, "reason": "period_id_missing", "project_id": rc.ProjectID}, nil
		}

		var reportPK int64
		err := d.DB.GetContext(ctx, &reportPK, `
			SELECT id FROM wb_finance_reports
			WHERE project_id = $1
			ORDER BY created_at DESC LIMIT 1`, rc.ProjectID)
		if err != nil {
			return registry.Stats{"ok": false, "reason": "no_finance_report"}, nil
		}

		var lines []json.RawMessage
		if err := d.DB.SelectContext(ctx, &lines, `SELECT payload FROM wb_finance_report_lines WHERE report_id = $1`, reportPK); err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: build_tax_statement loading report lines: %w", err)
		}

		payload := aggregateTaxStatement(periodID, lines)

		if _, err := d.DB.ExecContext(ctx, `
			INSERT INTO wb_tax_statements (project_id, period_id, generated_at, payload, ingest_run_id)
			VALUES ($1, $2, now(), $3, $4)
			ON CONFLICT (project_id, period_id) DO UPDATE SET
				generated_at = EXCLUDED.generated_at,
				payload = EXCLUDED.payload,
				ingest_run_id = EXCLUDED.ingest_run_id`,
			rc.ProjectID, periodID, payload, rc.RunID); err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: upserting wb_tax_statement: %w", err)
		}

		return registry.Stats{"ok": true, "period_id": periodID, "rows_count": len(lines)}, nil
	}
}

// aggregateTaxStatement sums the finance-report-line amounts relevant to a
// tax period into an opaque payload, the same "dynamically typed payload"
// design used for finance lines themselves (§3) since the underlying report
// schema is WB's and changes without notice.
func aggregateTaxStatement(periodID string, lines []json.RawMessage) json.RawMessage {
	var salesTotal, commissionTotal, logisticsTotal, penaltyTotal float64

	for _, raw := range lines {
		var m map[string]interface{}
		if json.Unmarshal(raw, &m) != nil {
			continue
		}
		salesTotal += firstFloat(m, "retail_price_withdisc_rub", "retail_amount")
		commissionTotal += firstFloat(m, "commission_amount", "ppvz_sales_commission")
		logisticsTotal += firstFloat(m, "delivery_rub", "delivery_amount")
		penaltyTotal += firstFloat(m, "penalty", "additional_payment")
	}

	out, _ := json.Marshal(map[string]interface{}{
		"period_id":        periodID,
		"lines_count":      len(lines),
		"sales_total":      salesTotal,
		"commission_total": commissionTotal,
		"logistics_total":  logisticsTotal,
		"penalty_total":    penaltyTotal,
		"net_total":        salesTotal - commissionTotal - logisticsTotal - penaltyTotal,
		"generated_at":     time.Now().UTC().Format(time.RFC3339),
	})
	return out
}

func firstFloat(m map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f
			}
		}
	}
	return 0
}
