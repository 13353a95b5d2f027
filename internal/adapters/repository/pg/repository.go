// Package pg persists orchestrator history with gorm.
package pg

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"a2a.mesh/internal/core/domain"
)

// Repository stores the event log and one row per routed request.
type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	return NewRepositoryWithDialector(postgres.Open(dsn))
}

// NewRepositoryWithDialector opens any gorm dialector and migrates the
// history tables.
func NewRepositoryWithDialector(dialector gorm.Dialector) (*Repository, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&domain.Event{}, &domain.DelegationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) SaveEvent(ctx context.Context, event domain.Event) error {
	return r.db.WithContext(ctx).Create(&event).Error
}

// ListEvents returns events newest first.
func (r *Repository) ListEvents(ctx context.Context, offset, limit int) ([]*domain.Event, error) {
	var events []*domain.Event
	if err := r.db.WithContext(ctx).Order("timestamp desc").Offset(offset).Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *Repository) CountEvents(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Event{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) RecordDelegation(ctx context.Context, record *domain.DelegationRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *Repository) ListDelegations(ctx context.Context, offset, limit int) ([]*domain.DelegationRecord, error) {
	var records []*domain.DelegationRecord
	if err := r.db.WithContext(ctx).Order("created_at desc").Offset(offset).Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CountDelegations returns the number of records per outcome.
func (r *Repository) CountDelegations(ctx context.Context) (map[domain.DelegationOutcome]int64, error) {
	var rows []struct {
		Outcome domain.DelegationOutcome
		Count   int64
	}
	if err := r.db.WithContext(ctx).Model(&domain.DelegationRecord{}).
		Select("outcome, count(*) as count").
		Group("outcome").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	totals := make(map[domain.DelegationOutcome]int64, len(rows))
	for _, row := range rows {
		totals[row.Outcome] = row.Count
	}
	return totals, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
