package internaldata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
)

// Source is the acquired bytes plus the format the caller should parse them
// as, resolved from the project's internal_data_settings row.
type Source struct {
	Bytes  []byte
	Format string // csv | xlsx | xlsm | xml
}

// Acquire fetches the project's configured source: a remote URL (GET, the
// common case) or a previously uploaded file on local disk. Format is sniffed
// from the URL/path extension: .xlsx/.xlsm as xlsx, .xml as xml, else csv.
func Acquire(ctx context.Context, settings *model.InternalDataSettings) (*Source, error) {
	switch settings.Mode {
	case "upload":
		if settings.UploadedPath == "" {
			return nil, fmt.Errorf("internaldata: no uploaded_path configured")
		}
		b, err := os.ReadFile(settings.UploadedPath)
		if err != nil {
			return nil, fmt.Errorf("internaldata: reading uploaded file: %w", err)
		}
		return &Source{Bytes: b, Format: resolveFormat(settings.UploadedPath)}, nil
	case "url":
		if settings.SourceURL == "" {
			return nil, fmt.Errorf("internaldata: no source_url configured")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, settings.SourceURL, nil)
		if err != nil {
			return nil, fmt.Errorf("internaldata: building request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("internaldata: downloading source: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("internaldata: source returned status %d", resp.StatusCode)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("internaldata: reading source body: %w", err)
		}
		return &Source{Bytes: b, Format: resolveFormat(settings.SourceURL)}, nil
	default:
		return nil, fmt.Errorf("internaldata: unknown source mode %q", settings.Mode)
	}
}

func resolveFormat(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".xlsx"), strings.HasSuffix(lower, ".xlsm"):
		return "xlsx"
	case strings.HasSuffix(lower, ".xml"):
		return "xml"
	default:
		return "csv"
	}
}

// TestURLResult is the outcome of a reachability probe against a proposed
// source URL, used by the admin "test URL" action before saving settings.
type TestURLResult struct {
	OK            bool
	HTTPStatus    int
	Error         string
	ContentType   string
	ContentLength int64
}

// TestURL probes reachability without downloading the full body, mirroring
// test_url_for_project's HEAD-first check.
func TestURL(ctx context.Context, url string) TestURLResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return TestURLResult{Error: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return TestURLResult{Error: err.Error()}
	}
	defer resp.Body.Close()
	return TestURLResult{
		OK:            resp.StatusCode >= 200 && resp.StatusCode < 300,
		HTTPStatus:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}
}
