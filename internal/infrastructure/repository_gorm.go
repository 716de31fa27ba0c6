package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/langliu/video-downloader/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// stalledReason is recorded on jobs failed by the stall reaper
const stalledReason = "job stalled more than allowable limit"

// GormRepository implements domain.Repository on top of gorm
type GormRepository struct {
	db *gorm.DB
}

// OpenRepository opens the repository selected by cfg
func OpenRepository(cfg domain.DatabaseConfig) (*GormRepository, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgresRepository(cfg.DSN)
	case "sqlite", "":
		return NewSQLiteRepository(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// NewSQLiteRepository creates a repository backed by a SQLite file
func NewSQLiteRepository(dbPath string) (*GormRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; serializing connections keeps job claims atomic
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return newGormRepository(db)
}

// NewPostgresRepository creates a repository backed by PostgreSQL
func NewPostgresRepository(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newGormRepository(db)
}

func newGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&domain.MediaRecord{}, &domain.QueueJob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &GormRepository{db: db}, nil
}

// Ping checks database connectivity
func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// MediaRepository implementation
// ============================================================================

// FindMediaBySourceURL finds a media record by its source URL
// Returns nil if not found
func (r *GormRepository) FindMediaBySourceURL(ctx context.Context, sourceURL string) (*domain.MediaRecord, error) {
	var record domain.MediaRecord
	err := r.db.WithContext(ctx).Where("source_url = ?", sourceURL).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateMedia inserts a media record unless one already exists for the source URL or key
func (r *GormRepository) CreateMedia(ctx context.Context, record *domain.MediaRecord) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrDuplicateRecord
	}
	return nil
}

// TouchMedia bumps the update time of an existing record
func (r *GormRepository) TouchMedia(ctx context.Context, sourceURL string) error {
	return r.db.WithContext(ctx).
		Model(&domain.MediaRecord{}).
		Where("source_url = ?", sourceURL).
		Update("updated_at", time.Now()).Error
}

// ListMedia returns records newest first together with the total count
func (r *GormRepository) ListMedia(ctx context.Context, offset, limit int) ([]*domain.MediaRecord, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.MediaRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []*domain.MediaRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error
	return records, total, err
}

// ============================================================================
// JobRepository implementation
// ============================================================================

// CreateJobs inserts jobs in one statement
func (r *GormRepository) CreateJobs(ctx context.Context, jobs []*domain.QueueJob) error {
	if len(jobs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&jobs).Error
}

// FindJobByID finds a job by ID
func (r *GormRepository) FindJobByID(ctx context.Context, id string) (*domain.QueueJob, error) {
	var job domain.QueueJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs newest first
func (r *GormRepository) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.QueueJob, error) {
	query := r.db.WithContext(ctx)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	switch {
	case filter.Limit == 0:
		query = query.Limit(100)
	case filter.Limit > 0:
		query = query.Limit(filter.Limit)
	}

	var jobs []*domain.QueueJob
	err := query.Order("created_at DESC").Find(&jobs).Error
	return jobs, err
}

// GetJobStats returns job statistics
func (r *GormRepository) GetJobStats(ctx context.Context) (*domain.JobStats, error) {
	stats := &domain.JobStats{}

	statusCounts := []struct {
		Status domain.JobStatus
		Count  int64
	}{}

	if err := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return nil, err
	}

	for _, sc := range statusCounts {
		stats.Total += sc.Count
		switch sc.Status {
		case domain.JobStatusPending:
			stats.Pending = sc.Count
		case domain.JobStatusProcessing:
			stats.Processing = sc.Count
		case domain.JobStatusCompleted:
			stats.Completed = sc.Count
		case domain.JobStatusFailed:
			stats.Failed = sc.Count
		}
	}

	return stats, nil
}

// ClaimNextJob leases the oldest due pending job to token
// Returns nil if nothing is due
func (r *GormRepository) ClaimNextJob(ctx context.Context, token string, now time.Time) (*domain.QueueJob, error) {
	var claimed *domain.QueueJob

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ? AND next_run_at <= ?", domain.JobStatusPending, now).
			Order("next_run_at ASC, created_at ASC")
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var job domain.QueueJob
		if err := query.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		result := tx.Model(&domain.QueueJob{}).
			Where("id = ? AND status = ?", job.ID, domain.JobStatusPending).
			Updates(map[string]interface{}{
				"status":        domain.JobStatusProcessing,
				"lock_token":    token,
				"attempt_count": gorm.Expr("attempt_count + 1"),
				"heartbeat_at":  now,
				"started_at":    now,
				"updated_at":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		if err := tx.First(&job, "id = ?", job.ID).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return claimed, nil
}

// StartJob records delivery of a job by an external broker
func (r *GormRepository) StartJob(ctx context.Context, id, token string, attempt int, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Where("id = ? AND status <> ?", id, domain.JobStatusCompleted).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusProcessing,
			"lock_token":    token,
			"attempt_count": attempt,
			"heartbeat_at":  now,
			"started_at":    now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// HeartbeatJob extends the lease held by token
func (r *GormRepository) HeartbeatJob(ctx context.Context, id, token string, now time.Time) error {
	return r.updateLeased(ctx, id, token, map[string]interface{}{
		"heartbeat_at": now,
	})
}

// CompleteJob finishes a leased job, deleting it when remove is set
func (r *GormRepository) CompleteJob(ctx context.Context, id, token string, outcome domain.JobOutcome, remove bool) error {
	if remove {
		result := r.db.WithContext(ctx).
			Where("id = ? AND lock_token = ? AND status = ?", id, token, domain.JobStatusProcessing).
			Delete(&domain.QueueJob{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrLeaseLost
		}
		return nil
	}

	now := time.Now()
	return r.updateLeased(ctx, id, token, map[string]interface{}{
		"status":       domain.JobStatusCompleted,
		"outcome":      outcome,
		"last_error":   "",
		"lock_token":   "",
		"completed_at": now,
	})
}

// RetryJob returns a leased job to pending until nextRunAt
func (r *GormRepository) RetryJob(ctx context.Context, id, token, reason string, nextRunAt time.Time) error {
	return r.updateLeased(ctx, id, token, map[string]interface{}{
		"status":       domain.JobStatusPending,
		"last_error":   reason,
		"lock_token":   "",
		"heartbeat_at": nil,
		"next_run_at":  nextRunAt,
	})
}

// FailJob moves a leased job to failed
func (r *GormRepository) FailJob(ctx context.Context, id, token, reason string) error {
	now := time.Now()
	return r.updateLeased(ctx, id, token, map[string]interface{}{
		"status":       domain.JobStatusFailed,
		"last_error":   reason,
		"lock_token":   "",
		"heartbeat_at": nil,
		"completed_at": now,
	})
}

// RequeueStalledJobs recovers processing jobs whose lease expired
func (r *GormRepository) RequeueStalledJobs(ctx context.Context, staleBefore time.Time, maxStalled int) ([]*domain.QueueJob, []*domain.QueueJob, error) {
	var stalled []*domain.QueueJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at < ?", domain.JobStatusProcessing, staleBefore).
		Find(&stalled).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to find stalled jobs: %w", err)
	}

	var requeued, failed []*domain.QueueJob
	now := time.Now()

	for _, job := range stalled {
		var updates map[string]interface{}
		exceeded := job.StalledCount+1 > maxStalled
		if exceeded {
			updates = map[string]interface{}{
				"status":        domain.JobStatusFailed,
				"stalled_count": job.StalledCount + 1,
				"last_error":    stalledReason,
				"lock_token":    "",
				"heartbeat_at":  nil,
				"completed_at":  now,
			}
		} else {
			// A stalled delivery does not consume an attempt
			attempts := job.AttemptCount - 1
			if attempts < 0 {
				attempts = 0
			}
			updates = map[string]interface{}{
				"status":        domain.JobStatusPending,
				"attempt_count": attempts,
				"stalled_count": job.StalledCount + 1,
				"lock_token":    "",
				"heartbeat_at":  nil,
				"next_run_at":   now,
			}
		}

		if err := r.updateLeased(ctx, job.ID, job.LockToken, updates); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				continue
			}
			return requeued, failed, err
		}

		job.StalledCount++
		if exceeded {
			job.Status = domain.JobStatusFailed
			job.LastError = stalledReason
			failed = append(failed, job)
		} else {
			job.Status = domain.JobStatusPending
			requeued = append(requeued, job)
		}
		job.LockToken = ""
	}

	return requeued, failed, nil
}

// ResetJob re-arms a failed job
func (r *GormRepository) ResetJob(ctx context.Context, id string) (*domain.QueueJob, error) {
	job, err := r.FindJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusFailed {
		return nil, domain.ErrJobNotRetryable
	}

	now := time.Now()
	result := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusPending,
			"attempt_count": 0,
			"stalled_count": 0,
			"last_error":    "",
			"lock_token":    "",
			"completed_at":  nil,
			"next_run_at":   now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrJobNotRetryable
	}

	return r.FindJobByID(ctx, id)
}

// updateLeased applies updates only while token still holds the job
func (r *GormRepository) updateLeased(ctx context.Context, id, token string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Where("id = ? AND lock_token = ? AND status = ?", id, token, domain.JobStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}
