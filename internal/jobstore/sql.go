package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/loopforge/exporter/internal/model"
)

// jobRow is the export_jobs table layout shared by the gorm backends.
type jobRow struct {
	ID             string         `gorm:"primaryKey;size:36"`
	Owner          string         `gorm:"size:128;index"`
	Status         string         `gorm:"size:16;index"`
	ShaderCode     string         `gorm:"type:text"`
	Settings       model.Settings `gorm:"serializer:json"`
	OutputLocation string         `gorm:"size:1024"`
	ErrorMsg       string         `gorm:"type:text"`
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Attempts       int
}

func (jobRow) TableName() string {
	return "export_jobs"
}

func (r *jobRow) toModel() *model.Job {
	return &model.Job{
		ID:     r.ID,
		Owner:  r.Owner,
		Status: model.JobStatus(r.Status),
		Payload: model.JobPayload{
			ShaderCode: r.ShaderCode,
			Settings:   r.Settings,
		},
		OutputLocation: r.OutputLocation,
		Error:          r.ErrorMsg,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Attempts:       r.Attempts,
	}
}

// SQLStore is a gorm-backed Job Store (MySQL in production, SQLite for
// single-node deployments and tests).
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens a gorm connection for driver "mysql" or "sqlite" and migrates
// the export_jobs table.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		if dsn == "" {
			dsn = "file:exports.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// sqlite allows a single writer; serialise through one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Create(ctx context.Context, owner string, payload model.JobPayload) (*model.Job, error) {
	job := newPendingJob(owner, payload)
	row := &jobRow{
		ID:         job.ID,
		Owner:      job.Owner,
		Status:     string(job.Status),
		ShaderCode: payload.ShaderCode,
		Settings:   payload.Settings,
		CreatedAt:  job.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

// Transition issues UPDATE ... WHERE id = ? AND status = ?; zero affected rows
// means the job is missing or already moved on.
func (s *SQLStore) Transition(ctx context.Context, id string, from, to model.JobStatus, fields model.JobFields) (*model.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	updates := map[string]any{"status": string(to)}
	if fields.OutputLocation != nil {
		updates["output_location"] = *fields.OutputLocation
	}
	if fields.Error != nil {
		updates["error_msg"] = model.TruncateError(*fields.Error)
	}
	if fields.StartedAt != nil {
		updates["started_at"] = *fields.StartedAt
	}
	if fields.CompletedAt != nil {
		updates["completed_at"] = *fields.CompletedAt
	}
	if fields.IncrementAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}

	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", ErrConflict, id, job.Status, from)
	}
	return job, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
