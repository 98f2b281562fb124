// Package canonical defines the provider-neutral webhook body every adapter
// normalizes into, and the JSON Schema that guards it.
package canonical

import (
	"encoding/json"

	"mediagen/internal/domain"
)

// Item is one per-output result of a success delivery.
type Item struct {
	Index       int             `json:"index"`
	URL         string          `json:"url,omitempty"`
	Seed        *int64          `json:"seed,omitempty"`
	Cost        *float64        `json:"cost,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Error       *ItemError      `json:"error,omitempty"`
}

// ItemError reports a failure of a single task inside an otherwise valid delivery.
type ItemError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Report is a provider-level error covering the whole delivery.
type Report struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Payload is either a list of items or a provider-level error report.
type Payload struct {
	Items []Item  `json:"items,omitempty"`
	Error *Report `json:"error,omitempty"`
}

// PendingItems converts the success shape into pipeline work.
func (p *Payload) PendingItems() []domain.PendingItem {
	if p == nil || len(p.Items) == 0 {
		return nil
	}
	items := make([]domain.PendingItem, 0, len(p.Items))
	for _, it := range p.Items {
		pending := domain.PendingItem{
			Index:       it.Index,
			URL:         it.URL,
			Seed:        it.Seed,
			Cost:        it.Cost,
			ContentType: it.ContentType,
			Metadata:    it.Metadata,
		}
		if it.Error != nil {
			pending.Error = &domain.PendingItemError{Code: it.Error.Code, Message: it.Error.Message}
		}
		items = append(items, pending)
	}
	return items
}

// Marshal encodes a payload; errors only come from malformed RawMessage fields.
func Marshal(p Payload) ([]byte, error) {
	return json.Marshal(p)
}
