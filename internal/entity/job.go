package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a job in status s is never mutated again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal forward move.
// The lifecycle is queued -> processing -> completed|failed; a status
// never regresses and terminal states accept nothing.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

type Job struct {
	ID                uuid.UUID  `json:"id"`
	Status            JobStatus  `json:"status"`
	InputFile         string     `json:"input_file"`
	OutputFile        *string    `json:"output_file,omitempty"`
	FileType          string     `json:"file_type"`
	FileSize          string     `json:"file_size"` // human-readable, fixed at creation
	HarmonizationType string     `json:"harmonization_type"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
}
