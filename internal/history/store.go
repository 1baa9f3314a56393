// Package history keeps a local record of feed runs: what was written,
// its digest, and which ledger transactions referenced it.
package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Run is one build or mint invocation
type Run struct {
	ID              string `gorm:"primaryKey;size:36"`
	Command         string `gorm:"size:16;index"`
	FeedID          string `gorm:"size:128;index"`
	FeedPath        string
	FeedDigest      string `gorm:"size:64"`
	IndicatorCount  int
	IPCount         int
	UserCount       int
	TrustlineHash   string `gorm:"size:64"`
	TrustlineResult string `gorm:"size:32"`
	IssueHash       string `gorm:"size:64"`
	IssueResult     string `gorm:"size:32"`
	TransferHash    string `gorm:"size:64"`
	TransferResult  string `gorm:"size:32"`
	Error           string
	StartedAt       time.Time `gorm:"index"`
	FinishedAt      time.Time
}

// Store wraps the sqlite database
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at dsn and migrates it
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&Run{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts or updates a run
func (s *Store) Record(ctx context.Context, run *Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Save(run).Error
}

// Recent returns up to n runs, newest first
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 20
	}
	var runs []Run
	err := s.db.WithContext(ctx).Order("started_at desc").Limit(n).Find(&runs).Error
	return runs, err
}

// ByDigest finds the runs that produced a given feed document
func (s *Store) ByDigest(ctx context.Context, digest string) ([]Run, error) {
	var runs []Run
	err := s.db.WithContext(ctx).Where("feed_digest = ?", digest).Order("started_at asc").Find(&runs).Error
	return runs, err
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
