package model

import "time"

// Project is a minimal local cache of the tenant; membership and billing
// live outside this process entirely (§3).
type Project struct {
	ID       int64  `gorm:"primaryKey" db:"id"`
	Name     string `db:"name"`
	IsActive bool   `gorm:"column:is_active" db:"is_active"`
}

func (Project) TableName() string { return "projects" }

// MarketplaceConnection holds per-project, per-marketplace credentials and
// free-form settings (brand_id, per-brand ingestion parameters, etc).
type MarketplaceConnection struct {
	ID              int64     `gorm:"primaryKey"`
	ProjectID       int64     `gorm:"column:project_id;index:idx_mpc_project_marketplace,unique"`
	MarketplaceCode string    `gorm:"column:marketplace_code;index:idx_mpc_project_marketplace,unique"`
	IsEnabled       bool      `gorm:"column:is_enabled"`
	APITokenEnc     []byte    `gorm:"column:api_token_enc"`
	SettingsJSON    []byte    `gorm:"column:settings_json;type:jsonb"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (MarketplaceConnection) TableName() string { return "marketplace_connections" }

// IngestSchedule maps (project, source, job) to a cron expression.
type IngestSchedule struct {
	ID         int64     `gorm:"primaryKey"`
	ProjectID  int64     `gorm:"column:project_id;index:idx_sched_unique,unique"`
	SourceCode string    `gorm:"column:source_code;index:idx_sched_unique,unique"`
	JobCode    string    `gorm:"column:job_code;index:idx_sched_unique,unique"`
	CronExpr   string    `gorm:"column:cron_expr"`
	Timezone   string    `gorm:"column:timezone"`
	IsEnabled  bool      `gorm:"column:is_enabled"`
	NextRunAt  time.Time `gorm:"column:next_run_at"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (IngestSchedule) TableName() string { return "ingest_schedules" }

// InternalDataSettings is the per-project configuration of the tenant's
// catalog source (URL or uploaded file) plus the mapping used to interpret it.
type InternalDataSettings struct {
	ID              int64  `gorm:"primaryKey"`
	ProjectID       int64  `gorm:"column:project_id;uniqueIndex"`
	Mode            string `gorm:"column:mode"` // "url" | "upload"
	SourceURL       string `gorm:"column:source_url"`
	UploadedPath    string `gorm:"column:uploaded_path"`
	MappingJSON     []byte `gorm:"column:mapping_json;type:jsonb"`
	LastTestStatus  string `gorm:"column:last_test_status"`
	LastTestAt      *time.Time `gorm:"column:last_test_at"`
	LastSyncStatus  string `gorm:"column:last_sync_status"`
	LastSyncAt      *time.Time `gorm:"column:last_sync_at"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (InternalDataSettings) TableName() string { return "internal_data_settings" }

// InternalCategory is a per-project rooted DAG node; ParentID nullable,
// acyclicity enforced at write time by the store layer (topological check).
type InternalCategory struct {
	ID        int64  `gorm:"primaryKey"`
	ProjectID int64  `gorm:"column:project_id;index"`
	ParentID  *int64 `gorm:"column:parent_id"`
	Name      string `gorm:"column:name"`
}

func (InternalCategory) TableName() string { return "internal_categories" }
