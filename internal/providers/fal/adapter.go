package fal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"mediagen/internal/canonical"
)

// ErrUnrecognizedPayload means the delivery carries no media and no error.
var ErrUnrecognizedPayload = errors.New("fal: unrecognized webhook payload")

type media struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type resultPayload struct {
	Images []json.RawMessage `json:"images"`
	Video  json.RawMessage   `json:"video"`
	Seed   *int64            `json:"seed"`
}

type webhookBody struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
}

// SignatureVerifier checks a signed delivery.
type SignatureVerifier interface {
	Verify(ctx context.Context, h http.Header, body []byte) error
}

// Adapter verifies and normalizes fal webhook deliveries. A nil verifier
// accepts unsigned deliveries, which is only meant for local development.
type Adapter struct {
	verifier SignatureVerifier
}

func NewAdapter(verifier SignatureVerifier) *Adapter {
	return &Adapter{verifier: verifier}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Verify(ctx context.Context, r *http.Request, body []byte) error {
	if a.verifier == nil {
		return nil
	}
	return a.verifier.Verify(ctx, r.Header, body)
}

func (a *Adapter) Normalize(body []byte) (json.RawMessage, error) {
	var in webhookBody
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	if strings.EqualFold(in.Status, "ERROR") || (in.Error != "" && !strings.EqualFold(in.Status, "OK")) {
		report := &canonical.Report{Code: "fal_error", Message: in.Error}
		if report.Message == "" {
			report.Message = "fal reported a failure"
		}
		if isJSONValue(in.Payload) {
			report.Details = in.Payload
		}
		return canonical.Marshal(canonical.Payload{Error: report})
	}
	if !strings.EqualFold(in.Status, "OK") || !isJSONValue(in.Payload) {
		return nil, ErrUnrecognizedPayload
	}

	var result resultPayload
	if err := json.Unmarshal(in.Payload, &result); err != nil {
		return nil, err
	}
	entries := result.Images
	if len(entries) == 0 && isJSONValue(result.Video) {
		entries = []json.RawMessage{result.Video}
	}
	if len(entries) == 0 {
		return nil, ErrUnrecognizedPayload
	}
	items := make([]canonical.Item, 0, len(entries))
	for i, raw := range entries {
		var m media
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		item := canonical.Item{Index: i, URL: m.URL, ContentType: m.ContentType, Seed: result.Seed, Metadata: raw}
		if m.URL == "" {
			item.Error = &canonical.ItemError{Code: "missing_url", Message: "result carries no media url"}
		}
		items = append(items, item)
	}
	return canonical.Marshal(canonical.Payload{Items: items})
}

func isJSONValue(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}
