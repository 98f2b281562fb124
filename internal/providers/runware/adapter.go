package runware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"mediagen/internal/canonical"
)

// ErrUnrecognizedPayload means the body carries neither data nor errors.
var ErrUnrecognizedPayload = errors.New("runware: unrecognized webhook payload")

type webhookResult struct {
	ImageURL string   `json:"imageURL"`
	VideoURL string   `json:"videoURL"`
	MediaURL string   `json:"mediaURL"`
	Seed     *int64   `json:"seed"`
	Cost     *float64 `json:"cost"`
}

type webhookBody struct {
	Data   []json.RawMessage `json:"data"`
	Errors []json.RawMessage `json:"errors"`
}

// Adapter normalizes Runware webhook deliveries. Runware does not sign them.
type Adapter struct{}

func NewAdapter() Adapter { return Adapter{} }

func (Adapter) Name() string { return Name }

func (Adapter) Verify(context.Context, *http.Request, []byte) error { return nil }

// Normalize maps data entries to items by position. Errors alongside data
// become per-item failures; errors alone become a provider error report.
func (Adapter) Normalize(body []byte) (json.RawMessage, error) {
	var in webhookBody
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	if len(in.Data) == 0 && len(in.Errors) == 0 {
		return nil, ErrUnrecognizedPayload
	}
	if len(in.Data) == 0 {
		first := decodeError(in.Errors[0])
		details, _ := json.Marshal(in.Errors)
		return canonical.Marshal(canonical.Payload{Error: &canonical.Report{
			Code:    first.Code,
			Message: messageOr(first.Message, "runware reported a failure"),
			Details: details,
		}})
	}

	items := make([]canonical.Item, 0, len(in.Data)+len(in.Errors))
	for i, raw := range in.Data {
		var r webhookResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		item := canonical.Item{Index: i, URL: firstNonEmpty(r.ImageURL, r.VideoURL, r.MediaURL), Seed: r.Seed, Cost: r.Cost}
		if isObject(raw) {
			item.Metadata = raw
		}
		if item.URL == "" {
			item.Error = &canonical.ItemError{Code: "missing_url", Message: "result carries no media url"}
		}
		items = append(items, item)
	}
	for _, raw := range in.Errors {
		e := decodeError(raw)
		items = append(items, canonical.Item{
			Index: len(items),
			Error: &canonical.ItemError{Code: e.Code, Message: messageOr(e.Message, "task failed")},
		})
	}
	return canonical.Marshal(canonical.Payload{Items: items})
}

func decodeError(raw json.RawMessage) apiError {
	var e apiError
	_ = json.Unmarshal(raw, &e)
	return e
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}

func isObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
