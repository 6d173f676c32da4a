package model

import (
	"encoding/json"
	"time"
)

// WbProduct is the seller's product catalog, upserted by (project, nm_id)
// rather than append-only, since nm_id is a stable external identifier that
// supplier_stock_snapshots joins through (§3). Supplemented from
// original_source's ingest_products.py row mapping.
type WbProduct struct {
	ID              int64           `db:"id"`
	ProjectID       int64           `db:"project_id"`
	NmID            int64           `db:"nm_id"`
	VendorCode      *string         `db:"vendor_code"`
	Title           *string         `db:"title"`
	Brand           *string         `db:"brand"`
	SubjectID       *int64          `db:"subject_id"`
	SubjectName     *string         `db:"subject_name"`
	Photos          json.RawMessage `db:"photos"`
	Characteristics json.RawMessage `db:"characteristics"`
	UpdatedAt       time.Time       `db:"updated_at"`
	IngestRunID     *string         `db:"ingest_run_id"`
}

// RrpSnapshot is recommended-retail-price data sourced from Internal Data.
type RrpSnapshot struct {
	ID             int64     `db:"id"`
	ProjectID      int64     `db:"project_id"`
	VendorCodeNorm string    `db:"vendor_code_norm"`
	RrpPrice       *float64  `db:"rrp_price"`
	RrpStock       *int64    `db:"rrp_stock"`
	SnapshotAt     time.Time `db:"snapshot_at"`
	IngestRunID    *string   `db:"ingest_run_id"`
}

// PriceSnapshot is the seller admin price per nm_id.
type PriceSnapshot struct {
	ID         int64     `db:"id"`
	ProjectID  int64     `db:"project_id"`
	NmID       int64     `db:"nm_id"`
	WbPrice    *float64  `db:"wb_price"`
	WbDiscount *float64  `db:"wb_discount"`
	CreatedAt  time.Time `db:"created_at"`
	IngestRunID *string  `db:"ingest_run_id"`
}

// StockSnapshot is FBS stock per warehouse.
type StockSnapshot struct {
	ID          int64     `db:"id"`
	ProjectID   int64     `db:"project_id"`
	NmID        int64     `db:"nm_id"`
	WarehouseID int64     `db:"warehouse_id"`
	Quantity    int64     `db:"quantity"`
	SnapshotAt  time.Time `db:"snapshot_at"`
	IngestRunID *string   `db:"ingest_run_id"`
}

// SupplierStockSnapshot is FBO stock, not project-scoped; attribution by join.
type SupplierStockSnapshot struct {
	ID              int64     `db:"id"`
	NmID            int64     `db:"nm_id"`
	Barcode         string    `db:"barcode"`
	WarehouseName   string    `db:"warehouse_name"`
	Quantity        int64     `db:"quantity"`
	LastChangeDate  time.Time `db:"last_change_date"`
	SnapshotAt      time.Time `db:"snapshot_at"`
	IngestRunID     *string   `db:"ingest_run_id"`
}

// FrontendCatalogPriceSnapshot is one observed storefront price row.
type FrontendCatalogPriceSnapshot struct {
	ID             int64     `db:"id"`
	ProjectID      int64     `db:"project_id"`
	QueryType      string    `db:"query_type"`
	QueryValue     string    `db:"query_value"`
	NmID           int64     `db:"nm_id"`
	Page           int       `db:"page"`
	PriceBasic     *float64  `db:"price_basic"`
	PriceProduct   *float64  `db:"price_product"`
	SalePercent    *float64  `db:"sale_percent"`
	SnapshotAt     time.Time `db:"snapshot_at"`
	IngestRunID    *string   `db:"ingest_run_id"`
}

// WbCurrentMetrics is the upsert-only "latest observed" row per (project, nm_id).
type WbCurrentMetrics struct {
	ProjectID             int64    `db:"project_id"`
	NmID                  int64    `db:"nm_id"`
	CurrentPriceShowcase  *float64 `db:"current_price_showcase"`
	CurrentSppPercent     *float64 `db:"current_spp_percent"`
	UpdatedAt             time.Time `db:"updated_at"`
}

// WbSppEvent records a change in current_spp_percent.
type WbSppEvent struct {
	ID              int64     `db:"id"`
	ProjectID       int64     `db:"project_id"`
	NmID            int64     `db:"nm_id"`
	PrevSppPercent  *float64  `db:"prev_spp_percent"`
	SppPercent      *float64  `db:"spp_percent"`
	IngestRunID     string    `db:"ingest_run_id"`
	OccurredAt      time.Time `db:"occurred_at"`
}

// WbShowcasePriceSnapshot is one (project, nm_id, hour_bucket_utc) bucket.
type WbShowcasePriceSnapshot struct {
	ID             int64     `db:"id"`
	ProjectID      int64     `db:"project_id"`
	NmID           int64     `db:"nm_id"`
	HourBucketUTC  time.Time `db:"hour_bucket_utc"`
	PriceShowcase  *float64  `db:"price_showcase"`
	SppPercent     *float64  `db:"spp_percent"`
	IngestRunID    *string   `db:"ingest_run_id"`
}

// WbFinanceReport is a per (project, report_id) header; line payloads are
// opaque JSON per the "dynamically typed payload" design note (§9).
type WbFinanceReport struct {
	ID         int64     `db:"id"`
	ProjectID  int64     `db:"project_id"`
	ReportID   string    `db:"report_id"`
	PeriodFrom time.Time `db:"period_from"`
	PeriodTo   time.Time `db:"period_to"`
	CreatedAt  time.Time `db:"created_at"`
	IngestRunID *string  `db:"ingest_run_id"`
}

type WbFinanceReportLine struct {
	ID         int64           `db:"id"`
	ReportID   int64           `db:"report_id"`
	Payload    json.RawMessage `db:"payload"`
}

// WbWarehouse is the landing table for the warehouses job (supplemented
// from original_source's ingest_warehouses.py / db_warehouses.py).
type WbWarehouse struct {
	ID          int64     `db:"id"`
	ProjectID   int64     `db:"project_id"`
	WarehouseID int64     `db:"warehouse_id"`
	Name        string    `db:"name"`
	OfficeID    *int64    `db:"office_id"`
	IsActive    bool      `db:"is_active"`
	SyncedAt    time.Time `db:"synced_at"`
	IngestRunID *string   `db:"ingest_run_id"`
}

// WbTaxStatement is the derived aggregate produced by build_tax_statement
// (supplemented from db_tariffs.py / db_wb_unit_pnl.py lineage).
type WbTaxStatement struct {
	ID          int64           `db:"id"`
	ProjectID   int64           `db:"project_id"`
	PeriodID    string          `db:"period_id"`
	GeneratedAt time.Time       `db:"generated_at"`
	Payload     json.RawMessage `db:"payload"`
	IngestRunID *string         `db:"ingest_run_id"`
}

// InternalDataSnapshot is a version-numbered catalog batch for one project.
type InternalDataSnapshot struct {
	ID         int64     `db:"id"`
	ProjectID  int64     `db:"project_id"`
	Status     string    `db:"status"` // success | partial | error
	RowsTotal  int       `db:"rows_total"`
	RowsFailed int       `db:"rows_failed"`
	CreatedAt  time.Time `db:"created_at"`
	IngestRunID *string  `db:"ingest_run_id"`
}

type InternalProduct struct {
	ID          int64  `db:"id"`
	ProjectID   int64  `db:"project_id"`
	SnapshotID  int64  `db:"snapshot_id"`
	InternalSKU string `db:"internal_sku"`
	CategoryID  *int64 `db:"category_id"`
}

type InternalProductIdentifier struct {
	ID              int64  `db:"id"`
	ProjectID       int64  `db:"project_id"`
	InternalProductID int64 `db:"internal_product_id"`
	MarketplaceCode string `db:"marketplace_code"`
	ExternalID      string `db:"external_id"`
}

type InternalProductPrice struct {
	ID                int64    `db:"id"`
	InternalProductID int64    `db:"internal_product_id"`
	Rrp               *float64 `db:"rrp"`
}

type InternalProductCost struct {
	ID                int64    `db:"id"`
	InternalProductID int64    `db:"internal_product_id"`
	Cost              *float64 `db:"cost"`
}

// InternalDataRowError is one row-level issue surfaced during map & validate.
type InternalDataRowError struct {
	ID         int64  `db:"id"`
	SnapshotID int64  `db:"snapshot_id"`
	RowNumber  int    `db:"row_number"`
	Code       string `db:"code"` // missing_required | transform_error | parse_error
	Field      string `db:"field"`
	Detail     string `db:"detail"`
}
