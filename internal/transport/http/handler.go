package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"harmonizer-api/internal/entity"
	"harmonizer-api/internal/repository/postgresql"
	"harmonizer-api/internal/service"
	"harmonizer-api/internal/storage"
)

type Handler struct {
	jobSvc *service.JobService
}

func NewHandler(jobSvc *service.JobService) *Handler {
	return &Handler{jobSvc: jobSvc}
}

type jobResp struct {
	ID                string           `json:"id"`
	Status            entity.JobStatus `json:"status"`
	InputFile         string           `json:"input_file"`
	OutputFile        *string          `json:"output_file,omitempty"`
	FileType          string           `json:"file_type"`
	FileSize          string           `json:"file_size"`
	HarmonizationType string           `json:"harmonization_type"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
	CompletedAt       *string          `json:"completed_at,omitempty"`
	ErrorMessage      *string          `json:"error_message,omitempty"`
}

type jobStatusResp struct {
	ID           string           `json:"id"`
	Status       entity.JobStatus `json:"status"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	CompletedAt  *string          `json:"completed_at,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
}

type statusUpdateDTO struct {
	Status       entity.JobStatus `json:"status"`
	OutputFile   string           `json:"output_file,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func toJobResp(j *entity.Job) jobResp {
	return jobResp{
		ID:                j.ID.String(),
		Status:            j.Status,
		InputFile:         j.InputFile,
		OutputFile:        j.OutputFile,
		FileType:          j.FileType,
		FileSize:          j.FileSize,
		HarmonizationType: j.HarmonizationType,
		CreatedAt:         j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         j.UpdatedAt.Format(time.RFC3339),
		CompletedAt:       formatTimePtr(j.CompletedAt),
		ErrorMessage:      j.ErrorMessage,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// writeSvcError maps domain errors onto the API's status codes.
func writeSvcError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrUnsupportedType):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrPayloadTooLarge):
		writeErr(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, service.ErrNotReady):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, postgresql.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, postgresql.ErrInvalidTransition):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

// CreateJob godoc
// @Summary Create a harmonization job
// @Description Streams the uploaded file to storage, creates a queued job and enqueues it for dispatch to the worker.
// @Tags jobs
// @Accept mpfd
// @Produce json
// @Param file formData file true "data file (csv or json)"
// @Param harmonization_type formData string false "harmonization category; inferred from the filename when omitted"
// @Success 202 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 413 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeErr(w, http.StatusBadRequest, "expected multipart form upload")
		return
	}

	// Parts arrive in client order: the file is streamed through the
	// gate the moment it shows up, harmonization_type may precede or
	// follow it, and the record is created only once every part is in.
	var (
		saved             *storage.SavedFile
		filename          string
		harmonizationType string
	)
	// An admitted file must not outlive a rejected request.
	discard := func() {
		if saved != nil {
			os.Remove(saved.Path)
		}
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			discard()
			writeErr(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		switch {
		case part.FormName() == "harmonization_type" && part.FileName() == "":
			harmonizationType = readFormValue(part)
		case part.FileName() != "":
			if saved != nil {
				part.Close()
				discard()
				writeErr(w, http.StatusBadRequest, "exactly one file per request")
				return
			}
			filename = part.FileName()
			saved, err = h.jobSvc.AdmitUpload(filename, part)
			part.Close()
			if err != nil {
				writeSvcError(w, err)
				return
			}
		default:
			part.Close()
		}
	}

	if saved == nil {
		writeErr(w, http.StatusBadRequest, "missing file part")
		return
	}

	job, err := h.jobSvc.CreateAdmitted(r.Context(), filename, saved, harmonizationType)
	if err != nil {
		writeSvcError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResp(job))
}

func readFormValue(part *multipart.Part) string {
	defer part.Close()
	// form values are small; cap the read defensively
	b, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// GetJobStatus godoc
// @Summary Get job status projection
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobStatusResp
// @Failure 404 {object} apiError
// @Router /jobs/{id}/status [get]
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeSvcError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobStatusResp{
		ID:           j.ID.String(),
		Status:       j.Status,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
		CompletedAt:  formatTimePtr(j.CompletedAt),
		ErrorMessage: j.ErrorMessage,
	})
}

// GetJobResult godoc
// @Summary Download the harmonized output artifact
// @Tags jobs
// @Produce octet-stream
// @Param id path string true "job id (uuid)"
// @Success 200 {file} file
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, path, err := h.jobSvc.JobResult(r.Context(), id)
	if err != nil {
		writeSvcError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeErr(w, http.StatusNotFound, "result file for job "+id.String()+" not found")
		return
	}
	defer f.Close()

	mediaType := "application/json"
	if job.FileType == "csv" {
		mediaType = "text/csv"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// ListJobs godoc
// @Summary List jobs, newest first
// @Tags jobs
// @Produce json
// @Param skip query int false "records to skip" default(0)
// @Param limit query int false "page size" default(100)
// @Param status query string false "exact status filter (queued|processing|completed|failed)"
// @Success 200 {array} jobResp
// @Failure 400 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 100)

	var status *entity.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := entity.JobStatus(strings.ToLower(s))
		if !st.Valid() {
			writeErr(w, http.StatusBadRequest, "invalid status filter: "+s)
			return
		}
		status = &st
	}

	jobs, err := h.jobSvc.ListJobs(r.Context(), status, skip, limit)
	if err != nil {
		writeSvcError(w, err)
		return
	}

	resp := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateJobStatus godoc
// @Summary Apply the worker's terminal status report
// @Description Trusted callback from the harmonization worker; moves a processing job to completed or failed.
// @Tags jobs
// @Accept json
// @Produce json
// @Param id path string true "job id (uuid)"
// @Param request body statusUpdateDTO true "terminal status report"
// @Success 200 {object} jobStatusResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/status [put]
func (h *Handler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	var dto statusUpdateDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	err := h.jobSvc.ApplyWorkerUpdate(r.Context(), id, service.WorkerUpdate{
		Status:       dto.Status,
		OutputFile:   dto.OutputFile,
		ErrorMessage: dto.ErrorMessage,
	})
	if err != nil {
		writeSvcError(w, err)
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResp{
		ID:           j.ID.String(),
		Status:       j.Status,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
		CompletedAt:  formatTimePtr(j.CompletedAt),
		ErrorMessage: j.ErrorMessage,
	})
}

// jobID parses the path id; an unparsable id reads as an unknown job.
func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusNotFound, "job "+idStr+" not found")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
