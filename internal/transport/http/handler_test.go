package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"harmonizer-api/internal/entity"
	"harmonizer-api/internal/repository/postgresql"
	"harmonizer-api/internal/service"
	"harmonizer-api/internal/storage"
	httptransport "harmonizer-api/internal/transport/http"
)

// ---- fakes ----

type memRepo struct {
	jobs    map[uuid.UUID]*entity.Job
	listErr error
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: map[uuid.UUID]*entity.Job{}}
}

func (r *memRepo) Create(ctx context.Context, p postgresql.CreateJobParams) (*entity.Job, error) {
	now := time.Now().UTC()
	j := &entity.Job{
		ID:                uuid.New(),
		Status:            entity.StatusQueued,
		InputFile:         p.InputFile,
		FileType:          p.FileType,
		FileSize:          p.FileSize,
		HarmonizationType: p.HarmonizationType,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	r.jobs[j.ID] = j
	return j, nil
}

func (r *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *memRepo) List(ctx context.Context, status *entity.JobStatus, skip, limit int) ([]*entity.Job, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*entity.Job
	for _, j := range r.jobs {
		if status == nil || j.Status == *status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if skip >= len(out) {
		return []*entity.Job{}, nil
	}
	out = out[skip:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) MarkCompleted(ctx context.Context, id uuid.UUID, outputFile string) error {
	j, ok := r.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	if !entity.CanTransition(j.Status, entity.StatusCompleted) {
		return fmt.Errorf("%w: %s -> completed", postgresql.ErrInvalidTransition, j.Status)
	}
	now := time.Now().UTC()
	j.Status = entity.StatusCompleted
	j.OutputFile = &outputFile
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (r *memRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	j, ok := r.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	if !entity.CanTransition(j.Status, entity.StatusFailed) {
		return fmt.Errorf("%w: %s -> failed", postgresql.ErrInvalidTransition, j.Status)
	}
	j.Status = entity.StatusFailed
	j.ErrorMessage = &errMsg
	j.UpdatedAt = time.Now().UTC()
	return nil
}

type queueStub struct {
	enqueued []string
}

func (q *queueStub) Enqueue(ctx context.Context, jobID string) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

// ---- helpers ----

func newTestRouter(t *testing.T, maxUpload int64) (http.Handler, *memRepo, *queueStub, string) {
	t.Helper()
	repo := newMemRepo()
	queue := &queueStub{}
	dir := t.TempDir()
	gate := storage.NewGate(dir, maxUpload, []string{"csv", "json"})
	svc := service.NewJobService(repo, gate, queue)
	return httptransport.Routes(httptransport.NewHandler(svc)), repo, queue, dir
}

func multipartUpload(t *testing.T, filename, contents, harmonizationType string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if harmonizationType != "" {
		if err := mw.WriteField("harmonization_type", harmonizationType); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(fw, contents); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, router http.Handler, filename, contents, harmonizationType string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, filename, contents, harmonizationType)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

// ---- tests ----

func TestHTTP_CreateJob_202_InferredType(t *testing.T) {
	router, repo, queue, _ := newTestRouter(t, 1<<20)

	rr := doUpload(t, router, "patients.csv", "id,name\n1,a\n", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v, body=%s", err, rr.Body.String())
	}
	if resp["status"] != "queued" {
		t.Fatalf("expected status=queued, got %v", resp["status"])
	}
	if resp["harmonization_type"] != "patients" {
		t.Fatalf("expected harmonization_type=patients, got %v", resp["harmonization_type"])
	}
	if _, ok := resp["output_file"]; ok {
		t.Fatal("output_file must be absent on a fresh job")
	}
	if len(repo.jobs) != 1 {
		t.Fatalf("expected one record, got %d", len(repo.jobs))
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected one enqueue, got %#v", queue.enqueued)
	}
}

func TestHTTP_CreateJob_ExplicitTypeAfterFilePart(t *testing.T) {
	router, _, _, _ := newTestRouter(t, 1<<20)

	// file part first, harmonization_type after: the explicit value
	// must still win over filename inference
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "patients.csv")
	_, _ = io.WriteString(fw, "x")
	_ = mw.WriteField("harmonization_type", "vitals")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["harmonization_type"] != "vitals" {
		t.Fatalf("expected harmonization_type=vitals, got %v", resp["harmonization_type"])
	}
}

func TestHTTP_CreateJob_413_NoRecordVisible(t *testing.T) {
	router, _, _, _ := newTestRouter(t, 1024)

	rr := doUpload(t, router, "big.csv", strings.Repeat("x", 4096), "")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d, body=%s", rr.Code, rr.Body.String())
	}

	// subsequent list shows no record from the rejected upload
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr2.Code)
	}
	var jobs []map[string]any
	_ = json.Unmarshal(rr2.Body.Bytes(), &jobs)
	if len(jobs) != 0 {
		t.Fatalf("expected empty job list, got %d entries", len(jobs))
	}
}

func TestHTTP_CreateJob_400_UnsupportedExtension(t *testing.T) {
	router, _, _, _ := newTestRouter(t, 1<<20)

	rr := doUpload(t, router, "data.xml", "<x/>", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_CreateJob_400_MissingFile(t *testing.T) {
	router, _, _, _ := newTestRouter(t, 1<<20)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("harmonization_type", "patients")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_CreateJob_TwoFileParts_NoOrphan(t *testing.T) {
	router, repo, queue, dir := newTestRouter(t, 1<<20)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "patients.csv")
	_, _ = io.WriteString(fw, "id,name\n1,a\n")
	fw2, _ := mw.CreateFormFile("file", "vitals.csv")
	_, _ = io.WriteString(fw2, "hr\n60\n")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if len(repo.jobs) != 0 {
		t.Fatalf("rejected request must create no record, got %d", len(repo.jobs))
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("rejected request must enqueue nothing, got %#v", queue.enqueued)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected request left %d file(s) in the upload dir", len(entries))
	}
}

func TestHTTP_CreateJob_MalformedBodyAfterFile_NoOrphan(t *testing.T) {
	router, repo, _, dir := newTestRouter(t, 1<<20)

	// first part is complete and admissible, the second part's header
	// block is broken, so NextPart fails after the file hit disk
	raw := "--X\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"patients.csv\"\r\n" +
		"\r\n" +
		"id,name\r\n" +
		"--X\r\n" +
		"not a mime header line\r\n" +
		"\r\n" +
		"x\r\n" +
		"--X--\r\n"

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(raw))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=X")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if len(repo.jobs) != 0 {
		t.Fatalf("rejected request must create no record, got %d", len(repo.jobs))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected request left %d file(s) in the upload dir", len(entries))
	}
}

func TestHTTP_ListJobs_500_NeutralMessage(t *testing.T) {
	router, repo, _, _ := newTestRouter(t, 1<<20)
	repo.listErr = fmt.Errorf("store down")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["detail"] != "internal error" {
		t.Fatalf("expected a neutral error body, got %q", resp["detail"])
	}
}

func TestHTTP_GetJob_404_Unknown(t *testing.T) {
	router, _, _, _ := newTestRouter(t, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	// malformed id reads as unknown, not as a client syntax error
	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", rr.Code)
	}
}

func TestHTTP_GetJob_Idempotent(t *testing.T) {
	router, _, _, _ := newTestRouter(t, 1<<20)

	rr := doUpload(t, router, "vitals.csv", "hr\n60\n", "")
	var created map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &created)
	id := created["id"].(string)

	var bodies []string
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		bodies = append(bodies, rec.Body.String())
	}
	if bodies[0] != bodies[1] || bodies[1] != bodies[2] {
		t.Fatal("repeated GET without mutation must return identical bodies")
	}
}

func TestHTTP_GetJobStatus_Projection(t *testing.T) {
	router, _, _, _ := newTestRouter(t, 1<<20)

	rr := doUpload(t, router, "patients.csv", "x", "")
	var created map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &created)
	id := created["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status["status"] != "queued" {
		t.Fatalf("expected status=queued, got %v", status["status"])
	}
	if _, ok := status["input_file"]; ok {
		t.Fatal("status projection must not carry file fields")
	}
}

func TestHTTP_GetJobResult_400_WhileQueued(t *testing.T) {
	router, _, _, _ := newTestRouter(t, 1<<20)

	rr := doUpload(t, router, "patients.csv", "x", "")
	var created map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &created)
	id := created["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/result", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// not-ready, not not-found
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a queued job, got %d, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHTTP_GetJobResult_RoundTrip(t *testing.T) {
	router, repo, _, _ := newTestRouter(t, 1<<20)

	rr := doUpload(t, router, "patients.csv", "id,name\n1,a\n", "")
	var created map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &created)
	id := uuid.MustParse(created["id"].(string))

	artifact := []byte("patient_id,full_name\n1,a\n")
	out := filepath.Join(t.TempDir(), "patients_harmonized.csv")
	if err := os.WriteFile(out, artifact, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	repo.jobs[id].Status = entity.StatusProcessing
	if err := repo.MarkCompleted(context.Background(), id, out); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id.String()+"/result", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("expected text/csv for a csv job, got %s", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), artifact) {
		t.Fatalf("result bytes differ from the stored artifact")
	}
}

func TestHTTP_UpdateJobStatus_WorkerCallback(t *testing.T) {
	router, repo, _, _ := newTestRouter(t, 1<<20)

	rr := doUpload(t, router, "labs.csv", "x", "")
	var created map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &created)
	id := uuid.MustParse(created["id"].(string))
	repo.jobs[id].Status = entity.StatusProcessing

	body := `{"status":"failed","error_message":"schema mismatch in row 12"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/jobs/"+id.String()+"/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rec.Code, rec.Body.String())
	}
	if repo.jobs[id].Status != entity.StatusFailed {
		t.Fatalf("expected failed, got %s", repo.jobs[id].Status)
	}

	// terminal: a second report must be rejected
	body = `{"status":"completed","output_file":"/results/labs.csv"}`
	req = httptest.NewRequest(http.MethodPut, "/api/v1/jobs/"+id.String()+"/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on a terminal job, got %d, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHTTP_ListJobs_StatusFilter(t *testing.T) {
	router, repo, _, _ := newTestRouter(t, 1<<20)

	for _, name := range []string{"patients.csv", "vitals.csv", "labs.csv"} {
		if rr := doUpload(t, router, name, "x", ""); rr.Code != http.StatusAccepted {
			t.Fatalf("upload %s: %d", name, rr.Code)
		}
	}

	// move one job to failed
	var failedID uuid.UUID
	for id := range repo.jobs {
		failedID = id
		break
	}
	repo.jobs[failedID].Status = entity.StatusProcessing
	if err := repo.MarkFailed(context.Background(), failedID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=queued", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var jobs []map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &jobs)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j["status"] != "queued" {
			t.Fatalf("filter leaked status %v", j["status"])
		}
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid status filter, got %d", rec.Code)
	}
}

func TestHTTP_ListJobs_NewestFirstPaging(t *testing.T) {
	router, repo, _, _ := newTestRouter(t, 1<<20)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		j, err := repo.Create(context.Background(), postgresql.CreateJobParams{
			InputFile: fmt.Sprintf("/uploads/%d.csv", i), FileType: "csv",
			FileSize: "1 kB", HarmonizationType: "generic",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?skip=1&limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var jobs []map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &jobs)
	if len(jobs) != 2 {
		t.Fatalf("expected page of 2, got %d", len(jobs))
	}
	if jobs[0]["input_file"] != "/uploads/3.csv" || jobs[1]["input_file"] != "/uploads/2.csv" {
		t.Fatalf("expected newest-first page [3,2], got [%v,%v]", jobs[0]["input_file"], jobs[1]["input_file"])
	}
}
