// Package store holds the GORM-backed CRUD repositories for the simpler,
// non-CAS entities (§3): marketplace connections, ingest schedules, internal
// data settings, and internal categories. The append-only snapshot tables
// and the run lifecycle itself live in internal/orchestrator and
// internal/internaldata instead, using sqlx directly, since their access
// patterns are CAS-heavy rather than plain CRUD.
//
// Grounded on services/product/internal/infrastructure/database/repository.go:
// gorm.ErrRecordNotFound translated to (nil, nil) rather than a sentinel
// error, since "not configured" is an expected, common state here (every
// tenant starts with no MarketplaceConnection row).
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetMarketplaceConnection returns nil, nil when the project has never
// configured this marketplace, distinguishing "not configured" from
// "disabled" (IsEnabled=false) at the caller.
func (s *Store) GetMarketplaceConnection(ctx context.Context, projectID int64, marketplaceCode string) (*model.MarketplaceConnection, error) {
	var conn model.MarketplaceConnection
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND marketplace_code = ?", projectID, marketplaceCode).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: GetMarketplaceConnection: %w", err)
	}
	return &conn, nil
}

func (s *Store) UpsertMarketplaceConnection(ctx context.Context, conn *model.MarketplaceConnection) error {
	existing, err := s.GetMarketplaceConnection(ctx, conn.ProjectID, conn.MarketplaceCode)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
			return fmt.Errorf("store: creating marketplace connection: %w", err)
		}
		return nil
	}
	conn.ID = existing.ID
	if err := s.db.WithContext(ctx).Save(conn).Error; err != nil {
		return fmt.Errorf("store: updating marketplace connection: %w", err)
	}
	return nil
}

// ListEnabledSchedules returns every enabled schedule across all projects.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]model.IngestSchedule, error) {
	var out []model.IngestSchedule
	if err := s.db.WithContext(ctx).Where("is_enabled = ?", true).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: ListEnabledSchedules: %w", err)
	}
	return out, nil
}

func (s *Store) GetSchedule(ctx context.Context, projectID int64, sourceCode, jobCode string) (*model.IngestSchedule, error) {
	var sched model.IngestSchedule
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND source_code = ? AND job_code = ?", projectID, sourceCode, jobCode).
		First(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: GetSchedule: %w", err)
	}
	return &sched, nil
}

// GetScheduleByID looks up a schedule by primary key, for the manual
// "run this schedule now" endpoint (§6).
func (s *Store) GetScheduleByID(ctx context.Context, id int64) (*model.IngestSchedule, error) {
	var sched model.IngestSchedule
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: GetScheduleByID: %w", err)
	}
	return &sched, nil
}

func (s *Store) UpsertSchedule(ctx context.Context, sched *model.IngestSchedule) error {
	existing, err := s.GetSchedule(ctx, sched.ProjectID, sched.SourceCode, sched.JobCode)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.db.WithContext(ctx).Create(sched).Error; err != nil {
			return fmt.Errorf("store: creating schedule: %w", err)
		}
		return nil
	}
	sched.ID = existing.ID
	if err := s.db.WithContext(ctx).Save(sched).Error; err != nil {
		return fmt.Errorf("store: updating schedule: %w", err)
	}
	return nil
}

// PushScheduleBack advances a schedule's next_run_at by the given number of
// seconds (the rate-limit push-back of §4.4 point 4).
func (s *Store) PushScheduleBack(ctx context.Context, scheduleID int64, seconds float64) error {
	err := s.db.WithContext(ctx).Exec(
		`UPDATE ingest_schedules SET next_run_at = next_run_at + make_interval(secs => ?), updated_at = now() WHERE id = ?`,
		seconds, scheduleID).Error
	if err != nil {
		return fmt.Errorf("store: PushScheduleBack: %w", err)
	}
	return nil
}

func (s *Store) GetInternalDataSettings(ctx context.Context, projectID int64) (*model.InternalDataSettings, error) {
	var settings model.InternalDataSettings
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: GetInternalDataSettings: %w", err)
	}
	return &settings, nil
}

func (s *Store) UpsertInternalDataSettings(ctx context.Context, settings *model.InternalDataSettings) error {
	existing, err := s.GetInternalDataSettings(ctx, settings.ProjectID)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.db.WithContext(ctx).Create(settings).Error; err != nil {
			return fmt.Errorf("store: creating internal data settings: %w", err)
		}
		return nil
	}
	settings.ID = existing.ID
	if err := s.db.WithContext(ctx).Save(settings).Error; err != nil {
		return fmt.Errorf("store: updating internal data settings: %w", err)
	}
	return nil
}

func (s *Store) ListCategories(ctx context.Context, projectID int64) ([]model.InternalCategory, error) {
	var out []model.InternalCategory
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: ListCategories: %w", err)
	}
	return out, nil
}

// CreateCategory enforces acyclicity by walking parent_id up to the root
// before insert; a cycle through the proposed parent makes the category
// invalid (§3 invariant: per-project rooted DAG).
func (s *Store) CreateCategory(ctx context.Context, cat *model.InternalCategory) error {
	if cat.ParentID != nil {
		ok, err := s.isAcyclic(ctx, cat.ProjectID, *cat.ParentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store: CreateCategory: parent %d would introduce a cycle", *cat.ParentID)
		}
	}
	if err := s.db.WithContext(ctx).Create(cat).Error; err != nil {
		return fmt.Errorf("store: CreateCategory: %w", err)
	}
	return nil
}

func (s *Store) isAcyclic(ctx context.Context, projectID, startParentID int64) (bool, error) {
	visited := map[int64]bool{}
	current := startParentID
	for {
		if visited[current] {
			return false, nil
		}
		visited[current] = true

		var node model.InternalCategory
		err := s.db.WithContext(ctx).Where("project_id = ? AND id = ?", projectID, current).First(&node).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("store: walking category ancestry: %w", err)
		}
		if node.ParentID == nil {
			return true, nil
		}
		current = *node.ParentID
	}
}

func (s *Store) GetProject(ctx context.Context, projectID int64) (*model.Project, error) {
	var p model.Project
	err := s.db.WithContext(ctx).Where("id = ?", projectID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: GetProject: %w", err)
	}
	return &p, nil
}
