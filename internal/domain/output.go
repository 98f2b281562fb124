package domain

import (
	"encoding/json"
	"time"
)

// OutputType tags the Output union.
type OutputType string

const (
	OutputSuccess OutputType = "success"
	OutputError   OutputType = "error"
)

// OutputErrorKind enumerates the per-output failure kinds.
type OutputErrorKind string

const (
	OutputErrorValidation     OutputErrorKind = "validation"
	OutputErrorProviderReport OutputErrorKind = "provider-report"
	OutputErrorFetch          OutputErrorKind = "fetch_failed"
	OutputErrorStorage        OutputErrorKind = "storage_failed"
)

// Artifact is the success variant of Output.
type Artifact struct {
	ArtifactID  string          `json:"artifactId"`
	Key         string          `json:"key"`
	ContentType string          `json:"contentType"`
	Index       int             `json:"index"`
	Seed        *int64          `json:"seed,omitempty"`
	Cost        *float64        `json:"cost,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// ValidationIssue is one field-level schema violation.
type ValidationIssue struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword,omitempty"`
	Message string `json:"message"`
}

// OutputFailure is the error variant of Output.
type OutputFailure struct {
	Kind    OutputErrorKind   `json:"kind"`
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Index   *int              `json:"index,omitempty"`
	URL     string            `json:"url,omitempty"`
	Status  int               `json:"status,omitempty"`
	Body    string            `json:"body,omitempty"`
	Key     string            `json:"key,omitempty"`
	Cause   string            `json:"cause,omitempty"`
	Issues  []ValidationIssue `json:"issues,omitempty"`
}

// Output is one artifact's success or failure record within a request.
type Output struct {
	Type      OutputType      `json:"type"`
	Artifact  *Artifact       `json:"artifact,omitempty"`
	Failure   *OutputFailure  `json:"failure,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SuccessOutput wraps a stored artifact.
func SuccessOutput(a Artifact, raw json.RawMessage, at time.Time) Output {
	return Output{Type: OutputSuccess, Artifact: &a, Raw: raw, Timestamp: at}
}

// FailureOutput wraps a failure detail.
func FailureOutput(f OutputFailure, raw json.RawMessage, at time.Time) Output {
	return Output{Type: OutputError, Failure: &f, Raw: raw, Timestamp: at}
}

// IsSuccess reports whether the output is the success variant.
func (o Output) IsSuccess() bool {
	return o.Type == OutputSuccess && o.Artifact != nil
}

func (o Output) clone() Output {
	c := o
	c.Raw = cloneRaw(o.Raw)
	if o.Artifact != nil {
		a := *o.Artifact
		a.Metadata = cloneRaw(o.Artifact.Metadata)
		c.Artifact = &a
	}
	if o.Failure != nil {
		f := *o.Failure
		if o.Failure.Issues != nil {
			f.Issues = append([]ValidationIssue(nil), o.Failure.Issues...)
		}
		c.Failure = &f
	}
	return c
}
