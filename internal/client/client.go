// Package client is the typed HTTP client for the submission API. Error
// envelopes come back as the same error types the server raised.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"submission-orchestrator/internal/common"
	"submission-orchestrator/internal/models"
)

// APIError is any error response without a more specific type.
type APIError struct {
	StatusCode int
	Kind       string
	Detail     string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api returned %d %s: %s", e.StatusCode, e.Kind, e.Detail)
}

// Client calls the submission API
type Client struct {
	baseURL string
	agentID string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a Client. A nil httpClient gets a timeout-bound default.
func New(baseURL, agentID string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		http:    httpClient,
		logger:  logger,
	}
}

// Create calls POST /submissions. A DOCUMENT_SUBMIT that was recorded but
// not queued returns its submission id together with the error.
func (c *Client) Create(ctx context.Context, req models.CreateRequest) (models.CreateResult, error) {
	var resp models.CreateResponse
	err := c.do(ctx, http.MethodPost, "/submissions", req, &resp)
	return resp.CreateResult, err
}

// Confirm calls POST /submissions/{id}/confirm.
func (c *Client) Confirm(ctx context.Context, submissionID string) error {
	var resp models.ConfirmResponse
	return c.do(ctx, http.MethodPost, "/submissions/"+url.PathEscape(submissionID)+"/confirm", nil, &resp)
}

// RestartAuth calls POST /submissions/{id}/auth/restart.
func (c *Client) RestartAuth(ctx context.Context, submissionID string) error {
	var resp models.ConfirmResponse
	return c.do(ctx, http.MethodPost, "/submissions/"+url.PathEscape(submissionID)+"/auth/restart", nil, &resp)
}

// Enqueue calls POST /submissions/{id}/enqueue.
func (c *Client) Enqueue(ctx context.Context, submissionID string) (string, error) {
	var resp models.EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/submissions/"+url.PathEscape(submissionID)+"/enqueue", nil, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Status calls GET /submissions/{id}/status.
func (c *Client) Status(ctx context.Context, jobID, submissionID string) (models.StatusSnapshot, error) {
	path := "/submissions/" + url.PathEscape(submissionID) + "/status"
	if jobID != "" {
		path += "?jobId=" + url.QueryEscape(jobID)
	}
	var resp models.StatusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return models.StatusSnapshot{}, err
	}
	return resp.StatusSnapshot, nil
}

// List calls GET /submissions.
func (c *Client) List(ctx context.Context, state models.Status, limit int) ([]models.Job, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", string(state))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/submissions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		models.Envelope
		Submissions []models.Job `json:"submissions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Submissions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	reqID := uuid.New().String()
	start := time.Now()

	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		rd = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", reqID)
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("api.http.send_error", "req_id", reqID, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("api.http.response", "req_id", reqID, "path", path, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Detail: truncate(raw, 200), Retryable: resp.StatusCode >= 500}
	}
	if out != nil {
		// Error bodies may still carry ids (a create that was recorded but not queued).
		if err := json.Unmarshal(raw, out); err != nil && env.OK {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if !env.OK {
		return decodeError(resp.StatusCode, env)
	}
	return nil
}

func decodeError(status int, env models.Envelope) error {
	switch env.Error {
	case models.KindValidationError:
		fields := env.Fields
		if len(fields) == 0 {
			fields = []models.FieldError{{Field: "body", Message: env.Detail}}
		}
		return &models.ValidationError{Fields: fields}
	case models.KindAuthError:
		return &models.AuthError{Retryable: env.Retryable, Reason: env.Detail}
	case models.KindSessionExpired:
		return models.ErrSessionExpired
	case models.KindQueueError:
		return &models.QueueError{Reason: env.Detail}
	case models.KindNotFound:
		return common.NewAppError("NOT_FOUND", env.Detail, common.ErrNotFound)
	default:
		return &APIError{StatusCode: status, Kind: env.Error, Detail: env.Detail, Retryable: env.Retryable || status >= 500}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
