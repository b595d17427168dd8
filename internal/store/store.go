// Package store persists completed jobs. A job touches durable storage
// exactly once, at the moment it completes; everything before that lives in
// memory and is lost on failure or restart.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/logger"
)

// Record is a completed job as it sits in durable storage.
type Record struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Owner       string    `gorm:"index;size:255;not null" json:"owner"`
	Reference   string    `gorm:"size:512;not null" json:"reference"`
	CanonicalID string    `gorm:"size:64;not null" json:"canonical_id"`
	Title       string    `gorm:"size:512" json:"title"`
	Transcript  string    `gorm:"type:text" json:"transcript"`
	Summary     string    `gorm:"type:text" json:"summary"`
	Backend     string    `gorm:"size:64" json:"backend"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	CompletedAt time.Time `gorm:"index;not null" json:"completed_at"`
}

// TableName sets the table name for completed job records.
func (Record) TableName() string { return "video_jobs" }

// Stats aggregates the durable side of the service for operators.
type Stats struct {
	TotalVideos      int64 `json:"total_videos"`
	TotalOwners      int64 `json:"total_owners"`
	CompletedLastDay int64 `json:"completed_last_day"`
}

// Store is the persistence layer for completed jobs.
type Store interface {
	// NewJobID allocates an identifier for a job. The identifier is not
	// written anywhere; it only becomes durable through CommitResult.
	NewJobID() string

	// CommitResult writes a completed job in a single transaction.
	CommitResult(ctx context.Context, rec *Record) error

	// ListCompleted returns the owner's completed jobs, newest first.
	ListCompleted(ctx context.Context, owner string) ([]Record, error)

	// Get returns a completed job by ID, or apperr.NotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Stats reports aggregate counts over the completed jobs.
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies the underlying database is reachable.
	Ping(ctx context.Context) error

	// Close releases the database handle.
	Close() error
}

// Config holds store configuration.
type Config struct {
	// Path is the sqlite database file. ":memory:" keeps everything in RAM.
	Path string `json:"path" yaml:"path" mapstructure:"path" validate:"required"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "recapd.db"
	}
}

type sqliteStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open opens the sqlite database and runs migrations.
func Open(cfg Config, log *logger.Logger) (Store, error) {
	cfg.ApplyDefaults()

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &sqliteStore{
		db:  db,
		log: log.WithComponent("store"),
	}, nil
}

func (s *sqliteStore) NewJobID() string {
	return uuid.New().String()
}

func (s *sqliteStore) CommitResult(ctx context.Context, rec *Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
	if err != nil {
		s.log.Error("commit failed", logger.Fields(
			logger.FieldJobID, rec.ID,
			logger.FieldError, err.Error(),
		))
		return apperr.PersistenceFailure(err)
	}
	return nil
}

func (s *sqliteStore) ListCompleted(ctx context.Context, owner string) ([]Record, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("completed_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, apperr.PersistenceFailure(err)
	}
	return recs, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("job", id)
	}
	if err != nil {
		return nil, apperr.PersistenceFailure(err)
	}
	return &rec, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&Record{}).Count(&st.TotalVideos).Error; err != nil {
		return nil, apperr.PersistenceFailure(err)
	}
	if err := db.Model(&Record{}).Distinct("owner").Count(&st.TotalOwners).Error; err != nil {
		return nil, apperr.PersistenceFailure(err)
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if err := db.Model(&Record{}).Where("completed_at >= ?", since).Count(&st.CompletedLastDay).Error; err != nil {
		return nil, apperr.PersistenceFailure(err)
	}
	return &st, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
