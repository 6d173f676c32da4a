package runners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
	"github.com/psdigitalweb/wb-automation-sub000/internal/wbclient"
)

// card is the handful of fields the core needs out of a WB content card;
// everything else rides along in the raw payload columns (photos,
// characteristics) per the dynamically-typed-payload design note (§9).
// Fields are probed under every alias the original ingester tried
// (original_source/src/app/ingest_products.py's _to_row).
type card struct {
	NmID            int64           `json:"-"`
	VendorCode      *string         `json:"-"`
	Title           *string         `json:"-"`
	Brand           *string         `json:"-"`
	SubjectID       *int64          `json:"-"`
	SubjectName     *string         `json:"-"`
	Photos          json.RawMessage `json:"-"`
	Characteristics json.RawMessage `json:"-"`
}

func parseCard(raw json.RawMessage) (card, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return card{}, false
	}

	nmID, ok := firstInt64(m, "nmID", "nm_id", "nmId", "id")
	if !ok {
		return card{}, false
	}

	c := card{NmID: nmID}
	c.VendorCode = firstString(m, "vendorCode", "vendor_code", "article")
	c.Title = firstString(m, "title", "name")
	c.Brand = firstString(m, "brand")
	c.SubjectID = firstInt64Ptr(m, "subjectID", "subject_id", "subjectId")
	c.SubjectName = firstString(m, "subjectName", "subject_name", "subject")

	if photos, ok := m["photos"]; ok {
		c.Photos, _ = json.Marshal(photos)
	} else if photos, ok := m["pics"]; ok {
		c.Photos, _ = json.Marshal(photos)
	} else if photos, ok := m["images"]; ok {
		c.Photos, _ = json.Marshal(photos)
	}
	if chars, ok := m["characteristics"]; ok {
		c.Characteristics, _ = json.Marshal(chars)
	}

	return c, true
}

func firstString(m map[string]interface{}, keys ...string) *string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return &s
			}
		}
	}
	return nil
}

func firstInt64(m map[string]interface{}, keys ...string) (int64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if n, ok := v.(float64); ok {
				return int64(n), true
			}
		}
	}
	return 0, false
}

func firstInt64Ptr(m map[string]interface{}, keys ...string) *int64 {
	if n, ok := firstInt64(m, keys...); ok {
		return &n
	}
	return nil
}

// Products implements the products (WB Content v2) runner: cursor
// pagination by {updatedAt, nmID}, upsert on (project, nm_id), chained
// build_rrp_snapshots on success when the tenant has RRP rows (§4.4).
func Products(d Deps, pageSize int, chainBuildRRP func(ctx context.Context, projectID int64) (bool, error)) registry.RunnerFunc {
	if pageSize <= 0 {
		pageSize = 100
	}
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		client, err := wbClientFor(ctx, d, rc.ProjectID)
		if err != nil {
			return noCredentials(err)
		}
		sleep := heartbeatSleeper(rc)

		cursor := wbclient.ProductsCursor{Limit: pageSize}
		distinctSeen := map[int64]bool{}
		expectedTotal := 0
		pagesFetched := 0

		for {
			page, err := client.GetProductsPage(ctx, cursor, sleep)
			if err != nil {
				if pagesFetched == 0 {
					return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page"}, err
				}
				return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page", "distinct_nm_id": len(distinctSeen)}, err
			}
			pagesFetched++
			if page.Cursor.Total > 0 {
				expectedTotal = page.Cursor.Total
			}

			if err := persistProductsPage(ctx, d, rc, page.Cards); err != nil {
				return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page"}, err
			}
			for _, raw := range page.Cards {
				if c, ok := parseCard(raw); ok {
					distinctSeen[c.NmID] = true
				}
			}

			if rc.SetProgress != nil {
				_ = rc.SetProgress(ctx, registry.Stats{"pages_fetched": pagesFetched, "distinct_nm_id": len(distinctSeen)})
			}

			if len(page.Cards) == 0 || page.Cursor.UpdatedAt == "" {
				break
			}
			cursor = wbclient.ProductsCursor{UpdatedAt: page.Cursor.UpdatedAt, NmID: page.Cursor.NmID, Limit: pageSize}
		}

		if !coveragePasses(len(distinctSeen), expectedTotal) {
			return registry.Stats{"ok": false, "reason": "incomplete_run_low_coverage", "distinct_nm_id": len(distinctSeen), "expected_total": expectedTotal}, fmt.Errorf("runners: products coverage below threshold")
		}

		stats := registry.Stats{"ok": true, "distinct_nm_id": len(distinctSeen), "pages_fetched": pagesFetched}

		if chainBuildRRP != nil {
			created, chainErr := chainBuildRRP(ctx, rc.ProjectID)
			switch {
			case chainErr != nil && (errors.Is(chainErr, orchestrator.ErrActiveRunExists) || errors.Is(chainErr, orchestrator.ErrLockNotAcquired)):
				// Another build_rrp_snapshots run already covers it; not a failure for this run.
			case chainErr != nil:
				d.Log.WithError(chainErr).Warn("runners: products failed to chain build_rrp_snapshots")
			case !created:
				stats["chained_build_rrp_snapshots_skipped"] = "no_internal_rrp_rows"
			}
		}

		return stats, nil
	}
}

func persistProductsPage(ctx context.Context, d Deps, rc registry.RunContext, cards []json.RawMessage) error {
	if len(cards) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runners: products begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, raw := range cards {
		c, ok := parseCard(raw)
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wb_products (project_id, nm_id, vendor_code, title, brand, subject_id, subject_name, photos, characteristics, updated_at, ingest_run_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (project_id, nm_id) DO UPDATE SET
				vendor_code = EXCLUDED.vendor_code,
				title = EXCLUDED.title,
				brand = EXCLUDED.brand,
				subject_id = EXCLUDED.subject_id,
				subject_name = EXCLUDED.subject_name,
				photos = EXCLUDED.photos,
				characteristics = EXCLUDED.characteristics,
				updated_at = EXCLUDED.updated_at,
				ingest_run_id = EXCLUDED.ingest_run_id`,
			rc.ProjectID, c.NmID, c.VendorCode, c.Title, c.Brand, c.SubjectID, c.SubjectName,
			nullableJSON(c.Photos), nullableJSON(c.Characteristics), now, rc.RunID)
		if err != nil {
			return fmt.Errorf("runners: upserting wb_product nm_id=%d: %w", c.NmID, err)
		}
	}
	return tx.Commit()
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
