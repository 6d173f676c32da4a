package runners

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
)

// rrpXMLDocument is the legacy 1C price export shape: a flat list of offers
// keyed by vendor code, each carrying an RRP price and an optional stock
// figure. Unlike build_rrp_snapshots this never touches Internal Data — it
// reads the same source configuration Internal Data uses (internal_data_settings,
// §4.4: "rrp_xml (legacy) ... the former parses a legacy XML file") but maps
// straight into rrp_snapshots.
type rrpXMLDocument struct {
	XMLName xml.Name      `xml:"Offers"`
	Offers  []rrpXMLOffer `xml:"Offer"`
}

type rrpXMLOffer struct {
	VendorCode string `xml:"VendorCode,attr"`
	RRP        string `xml:"Rrp,attr"`
	Stock      string `xml:"Stock,attr"`
}

// RRPXml implements the legacy rrp_xml runner (§4.4). It fetches the
// project's configured legacy price list (URL or uploaded file, same
// internal_data_settings row the Internal Data pipeline uses), parses the
// 1C XML offer list, and appends one rrp_snapshots batch.
func RRPXml(d Deps) registry.RunnerFunc {
	return func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
		settings, err := d.Store.GetInternalDataSettings(ctx, rc.ProjectID)
		if err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: rrp_xml loading settings: %w", err)
		}
		if settings == nil {
			return registry.Stats{"ok": false, "reason": "no_credentials"}, nil
		}

		raw, err := fetchRRPXMLSource(ctx, settings)
		if err != nil {
			return registry.Stats{"ok": false, "reason": "incomplete_run_failed_to_fetch_page"}, err
		}

		var doc rrpXMLDocument
		if err := xml.Unmarshal(raw, &doc); err != nil {
			return registry.Stats{"ok": false, "reason": "parse_error"}, fmt.Errorf("runners: rrp_xml parsing: %w", err)
		}

		now := time.Now().UTC()
		tx, err := d.DB.BeginTxx(ctx, nil)
		if err != nil {
			return registry.Stats{"ok": false}, fmt.Errorf("runners: rrp_xml begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		count := 0
		for _, o := range doc.Offers {
			vendorCode := strings.TrimSpace(o.VendorCode)
			if vendorCode == "" {
				continue
			}
			price, err := strconv.ParseFloat(strings.TrimSpace(o.RRP), 64)
			if err != nil {
				continue
			}
			var stock *int64
			if s := strings.TrimSpace(o.Stock); s != "" {
				if n, err := strconv.ParseInt(s, 10, 64); err == nil {
					stock = &n
				}
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rrp_snapshots (project_id, vendor_code_norm, rrp_price, rrp_stock, snapshot_at, ingest_run_id)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				rc.ProjectID, vendorCode, price, stock, now, rc.RunID); err != nil {
				return registry.Stats{"ok": false, "rows_count": count}, fmt.Errorf("runners: inserting rrp_snapshot %s: %w", vendorCode, err)
			}
			count++
		}

		if err := tx.Commit(); err != nil {
			return registry.Stats{"ok": false, "rows_count": count}, fmt.Errorf("runners: rrp_xml commit: %w", err)
		}

		return registry.Stats{"ok": true, "rows_count": count}, nil
	}
}

func fetchRRPXMLSource(ctx context.Context, settings *model.InternalDataSettings) ([]byte, error) {
	switch settings.Mode {
	case "upload":
		if settings.UploadedPath == "" {
			return nil, fmt.Errorf("runners: rrp_xml: no uploaded_path configured")
		}
		return os.ReadFile(settings.UploadedPath)
	default:
		if settings.SourceURL == "" {
			return nil, fmt.Errorf("runners: rrp_xml: no source_url configured")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, settings.SourceURL, nil)
		if err != nil {
			return nil, fmt.Errorf("runners: rrp_xml: building request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("runners: rrp_xml: fetching source: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("runners: rrp_xml: source returned status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
}
