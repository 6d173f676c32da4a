package internaldata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
	"github.com/psdigitalweb/wb-automation-sub000/internal/store"
)

// Deps are the dependencies Sync closes over.
type Deps struct {
	DB    *sqlx.DB
	Store *store.Store
	Log   *logrus.Logger
}

const maxSavedErrors = 10000

// Result mirrors sync_now's return shape closely enough for the runner/HTTP
// callers that need it.
type Result struct {
	SnapshotID   int64
	Status       string // success | partial | error
	RowsTotal    int
	RowsImported int
	RowsFailed   int
	ErrorSummary string
}

// ChainBuildRRP is called after a success/partial sync that imported at
// least one row, to enqueue a chained build_rrp_snapshots run (§4.6 post-
// hook). Wired in cmd/ingestd to the orchestrator the same way the products
// runner chains it.
type ChainBuildRRP func(ctx context.Context, projectID int64) (bool, error)

// Sync runs one full acquire -> parse -> map & validate -> persist pass for
// a project (§4.6). The whole persistence stage is one transaction. On a
// success/partial result with at least one imported row it invokes chain
// (if non-nil) to enqueue a dependent build_rrp_snapshots run, mirroring
// sync_now's post-sync hook — a chain failure is logged but never turns
// the sync itself into a failure.
func Sync(ctx context.Context, d Deps, projectID int64, runID string, chain ChainBuildRRP) (Result, error) {
	settings, err := d.Store.GetInternalDataSettings(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("internaldata: loading settings: %w", err)
	}
	if settings == nil {
		return Result{Status: "error", ErrorSummary: "internal data is not configured for this project"}, nil
	}

	src, err := Acquire(ctx, settings)
	if err != nil {
		d.markSyncResult(ctx, settings, "error", err.Error())
		return Result{Status: "error", ErrorSummary: err.Error()}, nil
	}

	rawRows, err := ParseRows(src)
	if err != nil {
		d.markSyncResult(ctx, settings, "error", err.Error())
		return Result{Status: "error", ErrorSummary: err.Error()}, nil
	}

	var mapping Mapping
	if len(settings.MappingJSON) > 0 {
		if err := json.Unmarshal(settings.MappingJSON, &mapping); err != nil {
			msg := fmt.Sprintf("invalid mapping_json: %v", err)
			d.markSyncResult(ctx, settings, "error", msg)
			return Result{Status: "error", ErrorSummary: msg}, nil
		}
	}
	if !mapping.HasRequiredFields() {
		msg := "mapping_json.fields.internal_sku and mapping_json.fields.rrp with non-empty key are required"
		d.markSyncResult(ctx, settings, "error", msg)
		return Result{Status: "error", ErrorSummary: msg}, nil
	}

	rows, rowErrors, metrics := ApplyMappingToRows(mapping, rawRows)

	var status string
	var errorSummary string
	switch {
	case metrics.RowsFailed == 0:
		status = "success"
	case metrics.RowsImported > 0:
		status = "partial"
		errorSummary = fmt.Sprintf("%d rows failed validation", metrics.RowsFailed)
	default:
		status = "error"
		errorSummary = fmt.Sprintf("all %d rows failed validation", metrics.RowsFailed)
	}

	snapshotID, err := persistSnapshot(ctx, d.DB, projectID, runID, status, metrics, rows, rowErrors)
	if err != nil {
		d.markSyncResult(ctx, settings, "error", err.Error())
		return Result{}, fmt.Errorf("internaldata: persisting snapshot: %w", err)
	}

	d.markSyncResult(ctx, settings, status, errorSummary)

	if chain != nil && (status == "success" || status == "partial") && metrics.RowsImported > 0 {
		if _, err := chain(ctx, projectID); err != nil {
			d.Log.WithError(err).WithField("project_id", projectID).Warn("internaldata: failed to chain build_rrp_snapshots")
		}
	}

	return Result{
		SnapshotID:   snapshotID,
		Status:       status,
		RowsTotal:    metrics.TotalRows,
		RowsImported: metrics.RowsImported,
		RowsFailed:   metrics.RowsFailed,
		ErrorSummary: errorSummary,
	}, nil
}

func (d Deps) markSyncResult(ctx context.Context, settings *model.InternalDataSettings, status, errSummary string) {
	now := time.Now().UTC()
	settings.LastSyncStatus = status
	settings.LastSyncAt = &now
	if err := d.Store.UpsertInternalDataSettings(ctx, settings); err != nil {
		d.Log.WithError(err).WithField("project_id", settings.ProjectID).Warn("internaldata: failed to record sync result")
	}
	if errSummary != "" {
		d.Log.WithField("project_id", settings.ProjectID).WithField("status", status).Warn("internaldata: sync completed with errors: " + errSummary)
	}
}

func persistSnapshot(ctx context.Context, db *sqlx.DB, projectID int64, runID, status string, metrics MappingMetrics, rows []NormalizedRow, rowErrors []RowError) (int64, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var snapshotID int64
	if err := tx.QueryRowxContext(ctx, `
		INSERT INTO internal_data_snapshots (project_id, status, rows_total, rows_failed, ingest_run_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		projectID, status, metrics.TotalRows, metrics.RowsFailed, runID).Scan(&snapshotID); err != nil {
		return 0, fmt.Errorf("inserting internal_data_snapshot: %w", err)
	}

	for _, row := range rows {
		attrs := map[string]interface{}{}
		if row.Stock != nil {
			attrs["stock"] = *row.Stock
		}
		if row.Barcode != nil {
			attrs["barcode"] = *row.Barcode
		}
		attrsJSON, err := json.Marshal(attrs)
		if err != nil {
			return 0, fmt.Errorf("marshaling internal_product attributes %s: %w", row.InternalSKU, err)
		}

		var productID int64
		if err := tx.QueryRowxContext(ctx, `
			INSERT INTO internal_products (project_id, snapshot_id, internal_sku, attributes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (project_id, snapshot_id, internal_sku) DO UPDATE SET attributes = EXCLUDED.attributes
			RETURNING id`,
			projectID, snapshotID, row.InternalSKU, attrsJSON).Scan(&productID); err != nil {
			return 0, fmt.Errorf("inserting internal_product %s: %w", row.InternalSKU, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO internal_product_prices (internal_product_id, rrp) VALUES ($1, $2)`,
			productID, row.RRP); err != nil {
			return 0, fmt.Errorf("inserting internal_product_price %s: %w", row.InternalSKU, err)
		}

		if row.Cost != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO internal_product_costs (internal_product_id, cost) VALUES ($1, $2)`,
				productID, *row.Cost); err != nil {
				return 0, fmt.Errorf("inserting internal_product_cost %s: %w", row.InternalSKU, err)
			}
		}
	}

	saved := rowErrors
	if len(saved) > maxSavedErrors {
		saved = saved[:maxSavedErrors]
	}
	for _, e := range saved {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO internal_data_row_errors (snapshot_id, row_number, code, field, detail)
			VALUES ($1, $2, $3, $4, $5)`,
			snapshotID, e.RowNumber, e.Code, e.Field, e.Detail); err != nil {
			return 0, fmt.Errorf("inserting internal_data_row_error row=%d: %w", e.RowNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return snapshotID, nil
}
