package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"harmonizer-api/internal/entity"
)

// WorkerClient talks to the remote harmonization worker. The worker
// owns the transform entirely; this side only hands jobs over.
type WorkerClient struct {
	baseURL string
	client  *http.Client
}

func NewWorkerClient(baseURL string, timeout time.Duration) *WorkerClient {
	return &WorkerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type processRequest struct {
	JobID             string `json:"job_id"`
	InputFile         string `json:"input_file"`
	HarmonizationType string `json:"harmonization_type"`
}

// Process submits the job to the worker's processing endpoint. A 202
// means the worker took ownership and will report the outcome through
// its status callback; any other code or transport error is a dispatch
// failure.
func (c *WorkerClient) Process(ctx context.Context, job *entity.Job) error {
	payload, err := json.Marshal(processRequest{
		JobID:             job.ID.String(),
		InputFile:         job.InputFile,
		HarmonizationType: job.HarmonizationType,
	})
	if err != nil {
		return fmt.Errorf("marshal process request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send job to worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("worker rejected job: status=%d body=%s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
