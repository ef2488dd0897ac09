package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/uuid"

	"harmonizer-api/internal/entity"
	"harmonizer-api/internal/repository/postgresql"
	"harmonizer-api/internal/storage"
)

var ErrNotReady = errors.New("job not completed")

// Repository port (implementation: postgresql.JobRepository).
type JobRepository interface {
	Create(ctx context.Context, p postgresql.CreateJobParams) (*entity.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	List(ctx context.Context, status *entity.JobStatus, skip, limit int) ([]*entity.Job, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, outputFile string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Admission port (implementation: storage.Gate).
type UploadGate interface {
	Save(filename string, body io.Reader) (*storage.SavedFile, error)
}

// Enqueue-only port so the service cannot claim or ack.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
}

type JobService struct {
	repo  JobRepository
	gate  UploadGate
	queue JobQueue
}

func NewJobService(repo JobRepository, gate UploadGate, queue JobQueue) *JobService {
	return &JobService{repo: repo, gate: gate, queue: queue}
}

type CreateJobRequest struct {
	Filename          string
	Body              io.Reader
	HarmonizationType string
}

// CreateJob admits the upload, creates the record (queued) and hands
// the id to the dispatch queue. Admission failures happen before any
// record exists, so a rejected upload leaves no state behind.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*entity.Job, error) {
	saved, err := s.AdmitUpload(req.Filename, req.Body)
	if err != nil {
		return nil, err
	}
	return s.CreateAdmitted(ctx, req.Filename, saved, req.HarmonizationType)
}

// AdmitUpload streams the upload through the admission gate. Callers
// reading a multipart body use this the moment the file part appears,
// then create the record once the remaining form fields are in.
func (s *JobService) AdmitUpload(filename string, body io.Reader) (*storage.SavedFile, error) {
	if filename == "" {
		return nil, fmt.Errorf("%w: missing filename", storage.ErrUnsupportedType)
	}
	return s.gate.Save(filename, body)
}

// CreateAdmitted creates the queued record for an already-admitted
// upload and enqueues it for dispatch.
func (s *JobService) CreateAdmitted(ctx context.Context, filename string, saved *storage.SavedFile, harmonizationType string) (*entity.Job, error) {
	if harmonizationType == "" {
		harmonizationType = storage.InferHarmonizationType(filename)
	}

	job, err := s.repo.Create(ctx, postgresql.CreateJobParams{
		InputFile:         saved.Path,
		FileType:          saved.FileType,
		FileSize:          saved.HumanSize,
		HarmonizationType: harmonizationType,
	})
	if err != nil {
		os.Remove(saved.Path)
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID.String()); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	log.Printf("[jobs] created job_id=%s file=%s type=%s size=%s",
		job.ID, filename, harmonizationType, saved.HumanSize)
	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, status *entity.JobStatus, skip, limit int) ([]*entity.Job, error) {
	return s.repo.List(ctx, status, skip, limit)
}

// JobResult resolves the output artifact for a completed job. The
// returned path is verified to exist; a completed job whose artifact
// vanished from storage reads as not found, not as a server error.
func (s *JobService) JobResult(ctx context.Context, id uuid.UUID) (*entity.Job, string, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if job.Status != entity.StatusCompleted {
		return nil, "", fmt.Errorf("%w: status %s", ErrNotReady, job.Status)
	}
	if job.OutputFile == nil {
		return nil, "", fmt.Errorf("result file for job %s: %w", id, postgresql.ErrNotFound)
	}
	if _, err := os.Stat(*job.OutputFile); err != nil {
		return nil, "", fmt.Errorf("result file for job %s: %w", id, postgresql.ErrNotFound)
	}
	return job, *job.OutputFile, nil
}

type WorkerUpdate struct {
	Status       entity.JobStatus
	OutputFile   string
	ErrorMessage string
}

// ApplyWorkerUpdate applies the worker's terminal report. Only moves
// into completed or failed are accepted; the store enforces that the
// job is currently processing.
func (s *JobService) ApplyWorkerUpdate(ctx context.Context, id uuid.UUID, upd WorkerUpdate) error {
	switch upd.Status {
	case entity.StatusCompleted:
		if upd.OutputFile == "" {
			return fmt.Errorf("%w: completed update requires output_file", postgresql.ErrInvalidTransition)
		}
		return s.repo.MarkCompleted(ctx, id, upd.OutputFile)
	case entity.StatusFailed:
		msg := upd.ErrorMessage
		if msg == "" {
			msg = "worker reported failure"
		}
		return s.repo.MarkFailed(ctx, id, msg)
	default:
		return fmt.Errorf("%w: worker may only report completed or failed, got %q",
			postgresql.ErrInvalidTransition, upd.Status)
	}
}
