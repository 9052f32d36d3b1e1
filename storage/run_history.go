package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"community-sync/models"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// RunRecord is one finished import as stored in the run history database
type RunRecord struct {
	ID                 uint      `gorm:"primaryKey" json:"-"`
	RunID              string    `gorm:"uniqueIndex;size:36" json:"runId"`
	Dataset            string    `gorm:"index;size:32" json:"dataset"`
	State              string    `gorm:"size:16" json:"state"`
	Success            bool      `json:"success"`
	Processed          int       `json:"processed"`
	Inserted           int       `json:"inserted"`
	Updated            int       `json:"updated"`
	Skipped            int       `json:"skipped"`
	Errors             int       `json:"errors"`
	TruncatedByTimeout bool      `json:"truncatedByTimeout"`
	Message            string    `json:"message"`
	StartedAt          time.Time `gorm:"index" json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
	DurationMs         int64     `json:"durationMs"`
}

func (RunRecord) TableName() string {
	return "etl_runs"
}

// NewRunRecord flattens a report for storage
func NewRunRecord(r models.RunReport) RunRecord {
	return RunRecord{
		RunID:              r.RunID,
		Dataset:            string(r.Dataset),
		State:              string(r.State),
		Success:            r.Success,
		Processed:          r.Processed,
		Inserted:           r.Inserted,
		Updated:            r.Updated,
		Skipped:            r.Skipped,
		Errors:             len(r.Errors),
		TruncatedByTimeout: r.TruncatedByTimeout,
		Message:            r.Message,
		StartedAt:          r.StartTime.UTC(),
		FinishedAt:         r.EndTime.UTC(),
		DurationMs:         r.Duration().Milliseconds(),
	}
}

// SQLiteRunHistory keeps run summaries in a local sqlite file
type SQLiteRunHistory struct {
	db *gorm.DB
}

// OpenRunHistory opens (and migrates) the sqlite database at path.
// ":memory:" is accepted for tests.
func OpenRunHistory(path string) (*SQLiteRunHistory, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create run history directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open run history %s: %w", path, err)
	}
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to install otelgorm plugin: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate run history: %w", err)
	}
	return &SQLiteRunHistory{db: db}, nil
}

func (h *SQLiteRunHistory) Record(ctx context.Context, report models.RunReport) error {
	rec := NewRunRecord(report)
	if err := h.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}
	return nil
}

// Recent returns the latest runs first. An empty dataset means all datasets.
func (h *SQLiteRunHistory) Recent(ctx context.Context, dataset models.Dataset, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := h.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit)
	if dataset != "" {
		q = q.Where("dataset = ?", string(dataset))
	}
	var out []RunRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load run history: %w", err)
	}
	return out, nil
}

func (h *SQLiteRunHistory) Close() {
	if sqlDB, err := h.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
