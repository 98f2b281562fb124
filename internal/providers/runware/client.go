// Package runware submits image inference tasks to Runware and normalizes its
// webhook deliveries.
package runware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediagen/internal/dispatch"
	"mediagen/internal/infra"
)

const (
	Name            = "runware"
	maxResponseSize = 1 << 20
)

// ErrMissingAPIKey indicates that no key is configured or stored.
var ErrMissingAPIKey = errors.New("runware: api key is required")

// KeySource resolves the API key at call time so rotated keys apply without a restart.
type KeySource func(ctx context.Context) (string, error)

// Options configures the Runware client.
type Options struct {
	BaseURL        string
	APIKey         KeySource
	HTTPClient     *http.Client
	Logger         infra.Logger
	RequestTimeout time.Duration
}

// Client performs task submissions against the Runware REST API.
type Client struct {
	baseURL    string
	apiKey     KeySource
	httpClient *http.Client
	logger     infra.Logger
}

type apiError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	TaskUUID string `json:"taskUUID,omitempty"`
}

type submitResponse struct {
	Data   []json.RawMessage `json:"data"`
	Errors json.RawMessage   `json:"errors"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
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
		baseURL = "https://api.runware.ai/v1"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

func (c *Client) Name() string { return Name }

// buildTask merges caller parameters with the fields the coordinator owns.
// Caller values win for sizing; identity, count and delivery are always ours.
func buildTask(s dispatch.Submission) (map[string]any, error) {
	task := map[string]any{}
	if len(s.Input) > 0 {
		if err := json.Unmarshal(s.Input, &task); err != nil {
			return nil, fmt.Errorf("runware: decode input: %w", err)
		}
	}
	if task == nil {
		task = map[string]any{}
	}
	if prompt, ok := task["prompt"]; ok {
		if _, has := task["positivePrompt"]; !has {
			task["positivePrompt"] = prompt
		}
		delete(task, "prompt")
	}
	if _, ok := task["taskType"]; !ok {
		task["taskType"] = "imageInference"
	}
	if _, ok := task["width"]; !ok && s.Width > 0 {
		task["width"] = s.Width
	}
	if _, ok := task["height"]; !ok && s.Height > 0 {
		task["height"] = s.Height
	}
	format := strings.ToUpper(strings.TrimSpace(s.OutputFormat))
	if format == "" {
		format = "PNG"
	}
	task["outputFormat"] = format
	task["taskUUID"] = s.RequestID
	task["model"] = s.Model
	task["numberResults"] = s.Count
	task["webhookURL"] = s.CallbackURL
	task["deliveryMethod"] = "async"
	task["includeCost"] = true
	return task, nil
}

// Submit posts a single task array. A 2xx reply carrying an errors array is a rejection.
func (c *Client) Submit(ctx context.Context, s dispatch.Submission) (json.RawMessage, error) {
	task, err := buildTask(s)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal([]map[string]any{task})
	if err != nil {
		return nil, fmt.Errorf("runware: encode request: %w", err)
	}
	key := ""
	if c.apiKey != nil {
		if key, err = c.apiKey(ctx); err != nil {
			return body, dispatch.HTTPFailure(c.baseURL, 0, nil, fmt.Errorf("runware: resolve api key: %w", err))
		}
	}
	if key == "" {
		return body, dispatch.HTTPFailure(c.baseURL, 0, nil, ErrMissingAPIKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return body, fmt.Errorf("runware: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return body, dispatch.HTTPFailure(c.baseURL, 0, nil, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return body, dispatch.HTTPFailure(c.baseURL, resp.StatusCode, nil, fmt.Errorf("runware: read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, dispatch.HTTPFailure(c.baseURL, resp.StatusCode, raw, nil)
	}

	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err == nil && len(decoded.Errors) > 0 && string(decoded.Errors) != "null" {
		var errs []apiError
		_ = json.Unmarshal(decoded.Errors, &errs)
		if len(errs) > 0 {
			return body, dispatch.Rejected(c.baseURL, decoded.Errors, errs[0].Message)
		}
	}
	c.logger.Debug().Str("request_id", s.RequestID).Str("model", s.Model).Int("status", resp.StatusCode).Msg("runware task accepted")
	return body, nil
}
