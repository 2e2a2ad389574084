// Package renderer calls the renderer HTTP service.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	contracts "renderfarm/internal/contracts/renderer/v0"
)

type Client interface {
	Render(ctx context.Context, spec contracts.RenderSpec) (contracts.RenderResult, error)
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *HTTPClient) Render(ctx context.Context, spec contracts.RenderSpec) (contracts.RenderResult, error) {
	result := contracts.RenderResult{ObjectKey: spec.Output.ObjectKey}

	body, err := json.Marshal(spec)
	if err != nil {
		return result, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return result, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return result, fmt.Errorf("renderer http %d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}

	var reply contracts.RenderResult
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil && err != io.EOF {
		return result, fmt.Errorf("renderer reply: %w", err)
	}
	if reply.ObjectKey != "" {
		result.ObjectKey = reply.ObjectKey
	}
	result.ContentType = reply.ContentType
	return result, nil
}
