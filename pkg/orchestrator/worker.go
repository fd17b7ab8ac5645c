package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WorkerInvoker triggers the code transfer for a deployment and waits for
// it to finish.
type WorkerInvoker interface {
	Invoke(ctx context.Context, deploymentID string) error
}

// WorkerError is a non-2xx answer from the worker.
type WorkerError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *WorkerError) Error() string {
	msg := fmt.Sprintf("worker returned %d: %s", e.StatusCode, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// HTTPWorker calls the worker's POST /deploy endpoint.
type HTTPWorker struct {
	url    string
	client *http.Client
}

// NewHTTPWorker builds a worker client. The timeout must cover a full clone,
// extract and push.
func NewHTTPWorker(url string, timeout time.Duration, client *http.Client) *HTTPWorker {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPWorker{url: url, client: client}
}

func (w *HTTPWorker) Invoke(ctx context.Context, deploymentID string) error {
	payload, err := json.Marshal(map[string]string{"deployment_id": deploymentID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("call worker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var decoded struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.Error == "" {
		decoded.Error = strings.TrimSpace(string(body))
	}
	return &WorkerError{StatusCode: resp.StatusCode, Message: decoded.Error, Details: decoded.Details}
}
