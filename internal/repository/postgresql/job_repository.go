package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"harmonizer-api/internal/entity"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobRepository is the Postgres-backed job store. Status mutations are
// guarded at the statement level: the UPDATE matches only the legal
// predecessor status, so two racing writers can never move a job
// backward or mutate a terminal record.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

type CreateJobParams struct {
	InputFile         string
	FileType          string
	FileSize          string
	HarmonizationType string
}

func (r *JobRepository) Create(ctx context.Context, p CreateJobParams) (*entity.Job, error) {
	const q = `
INSERT INTO jobs (id, status, input_file, file_type, file_size, harmonization_type)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, status, input_file, output_file, file_type, file_size,
          harmonization_type, created_at, updated_at, completed_at, error_message;
`
	row := r.pool.QueryRow(ctx, q,
		uuid.New(), entity.StatusQueued, p.InputFile, p.FileType, p.FileSize, p.HarmonizationType)

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

const selectCols = `
SELECT id, status, input_file, output_file, file_type, file_size,
       harmonization_type, created_at, updated_at, completed_at, error_message
FROM jobs
`

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	row := r.pool.QueryRow(ctx, selectCols+`WHERE id = $1;`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by exact status.
// Paging is plain skip/limit; callers re-issue with a new offset.
func (r *JobRepository) List(ctx context.Context, status *entity.JobStatus, skip, limit int) ([]*entity.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}

	q := selectCols
	args := []any{}
	if status != nil {
		q += `WHERE status = $1 ORDER BY created_at DESC OFFSET $2 LIMIT $3;`
		args = append(args, *status, skip, limit)
	} else {
		q += `ORDER BY created_at DESC OFFSET $1 LIMIT $2;`
		args = append(args, skip, limit)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*entity.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing moves queued -> processing.
func (r *JobRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE jobs SET status = $2, updated_at = now()
WHERE id = $1 AND status = $3;
`
	tag, err := r.pool.Exec(ctx, q, id, entity.StatusProcessing, entity.StatusQueued)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classify(ctx, id, entity.StatusProcessing)
	}
	return nil
}

// MarkCompleted moves processing -> completed, recording the output
// artifact and the completion time.
func (r *JobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, outputFile string) error {
	const q = `
UPDATE jobs SET status = $2, output_file = $3, completed_at = now(), updated_at = now()
WHERE id = $1 AND status = $4;
`
	tag, err := r.pool.Exec(ctx, q, id, entity.StatusCompleted, outputFile, entity.StatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classify(ctx, id, entity.StatusCompleted)
	}
	return nil
}

// MarkFailed moves processing -> failed with a cause. completed_at is
// left unset: a failed job never completed.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	const q = `
UPDATE jobs SET status = $2, error_message = $3, updated_at = now()
WHERE id = $1 AND status = $4;
`
	tag, err := r.pool.Exec(ctx, q, id, entity.StatusFailed, errMsg, entity.StatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classify(ctx, id, entity.StatusFailed)
	}
	return nil
}

// classify decides why a guarded update matched nothing: the job is
// either absent or in a state that forbids the move.
func (r *JobRepository) classify(ctx context.Context, id uuid.UUID, to entity.JobStatus) error {
	var current entity.JobStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1;`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var job entity.Job
	err := row.Scan(
		&job.ID,
		&job.Status,
		&job.InputFile,
		&job.OutputFile,
		&job.FileType,
		&job.FileSize,
		&job.HarmonizationType,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
