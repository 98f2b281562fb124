package domain

import (
	"encoding/json"
	"time"
)

// RequestErrorCode enumerates request-level failure codes.
type RequestErrorCode string

const (
	RequestErrorHTTP             RequestErrorCode = "http_error"
	RequestErrorAPIRejected      RequestErrorCode = "api_rejected"
	RequestErrorTimeout          RequestErrorCode = "timeout"
	RequestErrorProjectionFailed RequestErrorCode = "projection_failed"
)

// RequestError is the request-level failure recorded on RequestMeta.
type RequestError struct {
	Code     RequestErrorCode `json:"code"`
	Message  string           `json:"message,omitempty"`
	URL      string           `json:"url,omitempty"`
	Status   int              `json:"status,omitempty"`
	Body     string           `json:"body,omitempty"`
	Errors   json.RawMessage  `json:"errors,omitempty"`
	Received *int             `json:"received,omitempty"`
	Expected *int             `json:"expected,omitempty"`
}

// TimeoutError builds the error recorded when no webhook completed the request in time.
func TimeoutError(received, expected int) *RequestError {
	return &RequestError{
		Code:     RequestErrorTimeout,
		Message:  "no webhook completed the request before the timeout",
		Received: &received,
		Expected: &expected,
	}
}

// RequestMeta is the immutable identity plus lifecycle markers of one generation request.
type RequestMeta struct {
	ID            string          `json:"id"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model"`
	Input         json.RawMessage `json:"input,omitempty"`
	OutputFormat  string          `json:"outputFormat,omitempty"`
	ExpectedCount int             `json:"expectedCount"`
	Annotations   map[string]any  `json:"annotations,omitempty"`
	Error         *RequestError   `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	TimeoutAt     *time.Time      `json:"timeoutAt,omitempty"`
}

// Completed reports whether the terminal marker has been set.
func (m RequestMeta) Completed() bool {
	return m.CompletedAt != nil
}

// InitArgs carries everything init needs to create a request.
type InitArgs struct {
	ID            string
	Provider      string
	Model         string
	Input         json.RawMessage
	OutputFormat  string
	ExpectedCount int
	Annotations   map[string]any
	Error         *RequestError
}

// RequestState is RequestMeta plus the ordered outputs appended so far.
type RequestState struct {
	Meta    RequestMeta `json:"meta"`
	Outputs []Output    `json:"outputs"`
}

// SuccessCount returns the number of success outputs.
func (s *RequestState) SuccessCount() int {
	n := 0
	for _, out := range s.Outputs {
		if out.IsSuccess() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand to callers outside the owning actor.
func (s *RequestState) Clone() *RequestState {
	if s == nil {
		return nil
	}
	clone := &RequestState{Meta: s.Meta.clone(), Outputs: make([]Output, len(s.Outputs))}
	for i, out := range s.Outputs {
		clone.Outputs[i] = out.clone()
	}
	return clone
}

func (m RequestMeta) clone() RequestMeta {
	c := m
	c.Input = cloneRaw(m.Input)
	if m.Annotations != nil {
		c.Annotations = make(map[string]any, len(m.Annotations))
		for k, v := range m.Annotations {
			c.Annotations[k] = v
		}
	}
	if m.Error != nil {
		e := *m.Error
		e.Errors = cloneRaw(m.Error.Errors)
		c.Error = &e
	}
	c.CompletedAt = cloneTime(m.CompletedAt)
	c.TimeoutAt = cloneTime(m.TimeoutAt)
	return c
}

// PendingItemError is a per-item failure reported by the provider inside a success delivery.
type PendingItemError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PendingItem is one output the pipeline still has to materialize.
type PendingItem struct {
	Index       int               `json:"index"`
	URL         string            `json:"url,omitempty"`
	Seed        *int64            `json:"seed,omitempty"`
	Cost        *float64          `json:"cost,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	Error       *PendingItemError `json:"error,omitempty"`
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
