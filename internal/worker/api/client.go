// Package api is the worker agent's client for the render farm HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"renderfarm/internal/httpkit"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
)

// Assignment is the reply to a task request.
type Assignment struct {
	Available bool
	TaskID    string
	Priority  models.Priority
	Attempts  int
	WorkerID  string
}

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Register registers workerID, or lets the API pick one when it is empty.
func (c *Client) Register(ctx context.Context, workerID string) (*models.Worker, error) {
	var w models.Worker
	err := c.post(ctx, "api.register", "/api/workers", map[string]string{"worker_id": workerID}, &w)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Client) RequestTask(ctx context.Context, workerID string) (Assignment, error) {
	if workerID == "" {
		workerID = "_"
	}

	var reply struct {
		TaskID   string          `json:"task_id"`
		Priority models.Priority `json:"priority"`
		Attempts int             `json:"attempts"`
		WorkerID string          `json:"worker_id"`
	}
	if err := c.post(ctx, "api.request_task", "/api/workers/"+url.PathEscape(workerID)+"/request-task", nil, &reply); err != nil {
		return Assignment{}, err
	}

	return Assignment{
		Available: reply.TaskID != "",
		TaskID:    reply.TaskID,
		Priority:  reply.Priority,
		Attempts:  reply.Attempts,
		WorkerID:  reply.WorkerID,
	}, nil
}

func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	return c.post(ctx, "api.heartbeat", "/api/workers/"+url.PathEscape(workerID)+"/heartbeat", nil, nil)
}

func (c *Client) SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	body := map[string]string{"status": string(status)}
	return c.post(ctx, "api.set_status", "/api/workers/"+url.PathEscape(workerID)+"/status", body, nil)
}

func (c *Client) ReportProgress(ctx context.Context, taskID string, progress float64) error {
	body := map[string]float64{"progress": progress}
	return c.post(ctx, "api.progress", "/api/renders/"+url.PathEscape(taskID)+"/status", body, nil)
}

func (c *Client) Complete(ctx context.Context, taskID, resultKey string) error {
	body := map[string]string{"result_key": resultKey}
	return c.post(ctx, "api.complete", "/api/renders/"+url.PathEscape(taskID)+"/complete", body, nil)
}

func (c *Client) Fail(ctx context.Context, taskID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.post(ctx, "api.fail", "/api/renders/"+url.PathEscape(taskID)+"/fail", body, nil)
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, op, "encode request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, op, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "api unreachable")
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return decodeError(op, res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrap(err, op, "decode response")
	}
	return nil
}

// decodeError rebuilds the coded error from the API's error envelope.
func decodeError(op string, res *http.Response) error {
	var env httpkit.ErrorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
		return &errors.Error{
			Code:    codeForStatus(res.StatusCode),
			Message: fmt.Sprintf("api http %d: %s", res.StatusCode, bytes.TrimSpace(raw)),
			Op:      op,
		}
	}

	e := &errors.Error{
		Code:    errors.Code(env.Error.Code),
		Message: env.Error.Message,
		Op:      op,
	}
	for k, v := range env.Error.Details {
		e.WithField(k, v)
	}
	return e
}

func codeForStatus(status int) errors.Code {
	switch status {
	case http.StatusBadRequest:
		return errors.CodeInvalidArgument
	case http.StatusNotFound:
		return errors.CodeNotFound
	case http.StatusConflict:
		return errors.CodeConflict
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errors.CodeUnavailable
	default:
		return errors.CodeInternal
	}
}
