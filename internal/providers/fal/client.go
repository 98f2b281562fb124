// Package fal submits queue requests to fal.ai and verifies and normalizes its
// signed webhook deliveries.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediagen/internal/dispatch"
	"mediagen/internal/infra"
)

const (
	Name            = "fal"
	maxResponseSize = 1 << 20
)

// ErrMissingAPIKey indicates that no key is configured or stored.
var ErrMissingAPIKey = errors.New("fal: api key is required")

// KeySource resolves the API key at call time.
type KeySource func(ctx context.Context) (string, error)

// Options configures the fal client.
type Options struct {
	BaseURL        string
	APIKey         KeySource
	HTTPClient     *http.Client
	Logger         infra.Logger
	RequestTimeout time.Duration
}

// Client submits jobs to the fal queue.
type Client struct {
	baseURL    string
	apiKey     KeySource
	httpClient *http.Client
	logger     infra.Logger
}

type queueResponse struct {
	RequestID string            `json:"request_id"`
	Detail    []json.RawMessage `json:"detail"`
	Error     string            `json:"error"`
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://queue.fal.run"
	}
	return &Client{baseURL: baseURL, apiKey: opts.APIKey, httpClient: httpClient, logger: opts.Logger}
}

func (c *Client) Name() string { return Name }

func buildInput(s dispatch.Submission) (map[string]any, error) {
	input := map[string]any{}
	if len(s.Input) > 0 {
		if err := json.Unmarshal(s.Input, &input); err != nil {
			return nil, fmt.Errorf("fal: decode input: %w", err)
		}
	}
	if input == nil {
		input = map[string]any{}
	}
	if _, ok := input["image_size"]; !ok && s.Width > 0 && s.Height > 0 {
		input["image_size"] = map[string]int{"width": s.Width, "height": s.Height}
	}
	if format := strings.ToLower(strings.TrimSpace(s.OutputFormat)); format != "" {
		input["output_format"] = format
	}
	input["num_images"] = s.Count
	return input, nil
}

func (c *Client) endpoint(s dispatch.Submission) string {
	model := strings.Trim(s.Model, "/")
	return fmt.Sprintf("%s/%s?fal_webhook=%s", c.baseURL, model, url.QueryEscape(s.CallbackURL))
}

// Submit enqueues the job with the callback attached as fal_webhook.
func (c *Client) Submit(ctx context.Context, s dispatch.Submission) (json.RawMessage, error) {
	input, err := buildInput(s)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("fal: encode request: %w", err)
	}
	endpoint := c.endpoint(s)
	key := ""
	if c.apiKey != nil {
		if key, err = c.apiKey(ctx); err != nil {
			return body, dispatch.HTTPFailure(endpoint, 0, nil, fmt.Errorf("fal: resolve api key: %w", err))
		}
	}
	if key == "" {
		return body, dispatch.HTTPFailure(endpoint, 0, nil, ErrMissingAPIKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return body, fmt.Errorf("fal: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return body, dispatch.HTTPFailure(endpoint, 0, nil, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return body, dispatch.HTTPFailure(endpoint, resp.StatusCode, nil, fmt.Errorf("fal: read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, dispatch.HTTPFailure(endpoint, resp.StatusCode, raw, nil)
	}
	var decoded queueResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if len(decoded.Detail) > 0 || decoded.Error != "" {
			errs, _ := json.Marshal(decoded.Detail)
			if decoded.Error != "" && len(decoded.Detail) == 0 {
				errs, _ = json.Marshal([]map[string]string{{"message": decoded.Error}})
			}
			return body, dispatch.Rejected(endpoint, errs, decoded.Error)
		}
	}
	c.logger.Debug().Str("request_id", s.RequestID).Str("fal_request_id", decoded.RequestID).Msg("fal job queued")
	return body, nil
}
