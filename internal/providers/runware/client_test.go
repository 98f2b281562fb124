package runware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"mediagen/internal/canonical"
	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
)

type captureTransport struct {
	status   int
	body     string
	err      error
	lastBody []byte
	lastAuth string
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	c.lastBody = body
	c.lastAuth = req.Header.Get("Authorization")
	if c.err != nil {
		return nil, c.err
	}
	return &http.Response{
		StatusCode: c.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(c.body)),
	}, nil
}

func staticKey(key string) KeySource {
	return func(context.Context) (string, error) { return key, nil }
}

func newTestClient(transport http.RoundTripper, key KeySource) *Client {
	return NewClient(Options{
		BaseURL:    "https://api.runware.test/v1",
		APIKey:     key,
		HTTPClient: &http.Client{Transport: transport},
		Logger:     zerolog.Nop(),
	})
}

func submission() dispatch.Submission {
	return dispatch.Submission{
		RequestID:   "5b0e8d8e-3c1c-4c55-9a43-1b3f0f8f3a11",
		Model:       "runware:100@1",
		Input:       json.RawMessage(`{"prompt":"a red fox","width":512,"steps":30}`),
		Count:       2,
		Width:       1024,
		Height:      768,
		CallbackURL: "https://api.example.com/v1/webhooks/runware?request_id=5b0e",
	}
}

func TestSubmitPayload(t *testing.T) {
	transport := &captureTransport{status: http.StatusOK, body: `{"data":[{"taskType":"imageInference"}]}`}
	client := newTestClient(transport, staticKey("rw-key"))

	sent, err := client.Submit(context.Background(), submission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(sent) != string(transport.lastBody) {
		t.Fatalf("returned payload differs from the posted one")
	}
	if transport.lastAuth != "Bearer rw-key" {
		t.Fatalf("authorization = %q", transport.lastAuth)
	}
	var tasks []map[string]any
	if err := json.Unmarshal(transport.lastBody, &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	checks := map[string]any{
		"taskType":       "imageInference",
		"positivePrompt": "a red fox",
		"model":          "runware:100@1",
		"numberResults":  float64(2),
		"width":          float64(512),
		"height":         float64(768),
		"steps":          float64(30),
		"outputFormat":   "PNG",
		"deliveryMethod": "async",
		"includeCost":    true,
	}
	for key, want := range checks {
		if task[key] != want {
			t.Fatalf("task[%s] = %#v, want %#v", key, task[key], want)
		}
	}
	if _, ok := task["prompt"]; ok {
		t.Fatalf("prompt should be renamed to positivePrompt")
	}
	if task["webhookURL"] != submission().CallbackURL {
		t.Fatalf("webhookURL = %v", task["webhookURL"])
	}
}

func TestSubmitClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		transport *captureTransport
		wantCode  domain.RequestErrorCode
		status    int
	}{
		{
			name:      "non 2xx",
			transport: &captureTransport{status: http.StatusBadGateway, body: "upstream down"},
			wantCode:  domain.RequestErrorHTTP,
			status:    http.StatusBadGateway,
		},
		{
			name:      "network",
			transport: &captureTransport{err: errors.New("connection reset")},
			wantCode:  domain.RequestErrorHTTP,
		},
		{
			name:      "rejected in 2xx",
			transport: &captureTransport{status: http.StatusOK, body: `{"errors":[{"code":"invalidModel","message":"model not found"}]}`},
			wantCode:  domain.RequestErrorAPIRejected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(tc.transport, staticKey("k"))
			sent, err := client.Submit(context.Background(), submission())
			var derr *dispatch.Error
			if !errors.As(err, &derr) {
				t.Fatalf("err = %v, want *dispatch.Error", err)
			}
			if derr.Detail.Code != tc.wantCode || derr.Detail.Status != tc.status {
				t.Fatalf("detail = %#v", derr.Detail)
			}
			if len(sent) == 0 {
				t.Fatalf("sent payload should be returned on failure")
			}
			if tc.wantCode == domain.RequestErrorAPIRejected {
				if derr.Detail.Message != "model not found" || !strings.Contains(string(derr.Detail.Errors), "invalidModel") {
					t.Fatalf("rejection detail = %#v", derr.Detail)
				}
			}
			if tc.status == http.StatusBadGateway && derr.Detail.Body != "upstream down" {
				t.Fatalf("body = %q", derr.Detail.Body)
			}
		})
	}
}

func TestSubmitWithoutKey(t *testing.T) {
	transport := &captureTransport{status: http.StatusOK, body: `{}`}
	client := newTestClient(transport, staticKey(""))
	_, err := client.Submit(context.Background(), submission())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
	if transport.lastBody != nil {
		t.Fatalf("no request should be sent without a key")
	}
}

func TestNormalize(t *testing.T) {
	v := canonical.MustValidator()
	cases := []struct {
		name      string
		body      string
		wantItems int
		wantError bool
		check     func(t *testing.T, p *canonical.Payload)
	}{
		{
			name:      "results",
			body:      `{"data":[{"taskUUID":"t","imageURL":"https://im.runware.ai/a.png","seed":42,"cost":0.0013},{"videoURL":"https://im.runware.ai/b.mp4"}]}`,
			wantItems: 2,
			check: func(t *testing.T, p *canonical.Payload) {
				if p.Items[0].URL != "https://im.runware.ai/a.png" || *p.Items[0].Seed != 42 || *p.Items[0].Cost != 0.0013 {
					t.Fatalf("item 0 = %#v", p.Items[0])
				}
				if p.Items[1].URL != "https://im.runware.ai/b.mp4" || p.Items[1].Index != 1 {
					t.Fatalf("item 1 = %#v", p.Items[1])
				}
				if len(p.Items[0].Metadata) == 0 {
					t.Fatalf("raw result should be kept as metadata")
				}
			},
		},
		{
			name:      "errors only",
			body:      `{"errors":[{"code":"timeoutProvider","message":"inference timed out"}]}`,
			wantError: true,
			check: func(t *testing.T, p *canonical.Payload) {
				if p.Error.Code != "timeoutProvider" || p.Error.Message != "inference timed out" {
					t.Fatalf("report = %#v", p.Error)
				}
			},
		},
		{
			name:      "mixed",
			body:      `{"data":[{"imageURL":"https://im.runware.ai/a.png"}],"errors":[{"code":"nsfw","message":"filtered"}]}`,
			wantItems: 2,
			check: func(t *testing.T, p *canonical.Payload) {
				if p.Items[1].Error == nil || p.Items[1].Error.Code != "nsfw" || p.Items[1].Index != 1 {
					t.Fatalf("item 1 = %#v", p.Items[1])
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := NewAdapter().Normalize([]byte(tc.body))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			payload, issues := v.Decode(out)
			if len(issues) > 0 {
				t.Fatalf("normalized body fails schema: %#v\n%s", issues, out)
			}
			if len(payload.Items) != tc.wantItems || (payload.Error != nil) != tc.wantError {
				t.Fatalf("payload = %#v", payload)
			}
			tc.check(t, payload)
		})
	}
}

func TestNormalizeUnrecognized(t *testing.T) {
	if _, err := NewAdapter().Normalize([]byte(`{"status":"ok"}`)); !errors.Is(err, ErrUnrecognizedPayload) {
		t.Fatalf("err = %v, want ErrUnrecognizedPayload", err)
	}
	if _, err := NewAdapter().Normalize([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for array body")
	}
}
