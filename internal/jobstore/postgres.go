package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loopforge/exporter/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS export_jobs (
	id              TEXT PRIMARY KEY,
	owner           TEXT NOT NULL,
	status          TEXT NOT NULL,
	shader_code     TEXT NOT NULL,
	settings        JSONB NOT NULL,
	output_location TEXT NOT NULL DEFAULT '',
	error_msg       TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	attempts        INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS export_jobs_owner_idx ON export_jobs (owner);
`

const jobColumns = `id, owner, status, shader_code, settings, output_location, error_msg, created_at, started_at, completed_at, attempts`

// PostgresStore is a pgx-backed Job Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the export_jobs table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate export_jobs: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, owner string, payload model.JobPayload) (*model.Job, error) {
	job := newPendingJob(owner, payload)

	settings, err := json.Marshal(payload.Settings)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO export_jobs (id, owner, status, shader_code, settings, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Owner, string(job.Status), payload.ShaderCode, settings, job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to model.JobStatus, fields model.JobFields) (*model.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	var errMsg *string
	if fields.Error != nil {
		msg := model.TruncateError(*fields.Error)
		errMsg = &msg
	}
	increment := 0
	if fields.IncrementAttempts {
		increment = 1
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE export_jobs SET
			status = $3,
			output_location = COALESCE($4, output_location),
			error_msg = COALESCE($5, error_msg),
			started_at = COALESCE($6, started_at),
			completed_at = COALESCE($7, completed_at),
			attempts = attempts + $8
		 WHERE id = $1 AND status = $2
		 RETURNING `+jobColumns,
		id, string(from), string(to), fields.OutputLocation, errMsg, fields.StartedAt, fields.CompletedAt, increment,
	)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", ErrConflict, id, current.Status, from)
	}
	return job, err
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job       model.Job
		status    string
		settings  []byte
		started   *time.Time
		completed *time.Time
	)
	err := row.Scan(&job.ID, &job.Owner, &status, &job.Payload.ShaderCode, &settings,
		&job.OutputLocation, &job.Error, &job.CreatedAt, &started, &completed, &job.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(settings, &job.Payload.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	job.Status = model.JobStatus(status)
	job.StartedAt = started
	job.CompletedAt = completed
	return &job, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
