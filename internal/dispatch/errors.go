package dispatch

import (
	"encoding/json"
	"fmt"

	"mediagen/internal/domain"
)

// maxBodyBytes bounds provider error bodies kept in state.
const maxBodyBytes = 4096

// Error is a synchronous submission failure. It carries the RequestError that
// was recorded on the request.
type Error struct {
	Detail domain.RequestError
	Cause  error
}

func (e *Error) Error() string {
	switch e.Detail.Code {
	case domain.RequestErrorAPIRejected:
		return fmt.Sprintf("dispatch: provider rejected request: %s", e.Detail.Message)
	default:
		if e.Detail.Status > 0 {
			return fmt.Sprintf("dispatch: %s returned %d", e.Detail.URL, e.Detail.Status)
		}
		return fmt.Sprintf("dispatch: %s: %s", e.Detail.URL, e.Detail.Message)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPFailure records a transport failure: a network error (status 0) or a non-2xx reply.
func HTTPFailure(url string, status int, body []byte, cause error) *Error {
	detail := domain.RequestError{
		Code:   domain.RequestErrorHTTP,
		URL:    url,
		Status: status,
		Body:   Truncate(body),
	}
	if cause != nil {
		detail.Message = cause.Error()
	} else {
		detail.Message = fmt.Sprintf("provider responded with status %d", status)
	}
	return &Error{Detail: detail, Cause: cause}
}

// Rejected records a structured rejection inside a 2xx reply.
func Rejected(url string, errs json.RawMessage, message string) *Error {
	if message == "" {
		message = "provider rejected the task"
	}
	return &Error{Detail: domain.RequestError{
		Code:    domain.RequestErrorAPIRejected,
		URL:     url,
		Message: message,
		Errors:  errs,
	}}
}

// Truncate keeps the first maxBodyBytes of body.
func Truncate(body []byte) string {
	if len(body) > maxBodyBytes {
		return string(body[:maxBodyBytes])
	}
	return string(body)
}
