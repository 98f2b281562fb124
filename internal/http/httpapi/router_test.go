package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
	"mediagen/internal/http/handlers"
	"mediagen/internal/projection"
	"mediagen/internal/storage"
)

type stubGenerator struct {
	id  string
	err error
	got dispatch.Request
}

func (s *stubGenerator) Dispatch(_ context.Context, req dispatch.Request) (string, error) {
	s.got = req
	return s.id, s.err
}

type stubStates map[string]*domain.RequestState

func (s stubStates) GetState(_ context.Context, id string) (*domain.RequestState, error) {
	return s[id].Clone(), nil
}

type stubLister struct {
	rows []projection.ArtifactRow
}

func (s stubLister) ListArtifacts(context.Context, string) ([]projection.ArtifactRow, error) {
	return s.rows, nil
}

type mapStore map[string]storage.Object

func (m mapStore) Put(_ context.Context, key string, data []byte, ct string) error {
	m[key] = storage.Object{Data: data, ContentType: ct}
	return nil
}

func (m mapStore) Get(_ context.Context, key string) (*storage.Object, error) {
	obj, ok := m[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &obj, nil
}

type env struct {
	gen    *stubGenerator
	states stubStates
	store  mapStore
	router http.Handler
}

func newEnv(lister handlers.ArtifactLister) *env {
	e := &env{
		gen:    &stubGenerator{id: "req-1"},
		states: stubStates{},
		store:  mapStore{},
	}
	app := &handlers.App{
		Generator: e.gen,
		States:    e.states,
		Artifacts: lister,
		Store:     e.store,
		Logger:    zerolog.Nop(),
	}
	e.router = NewRouter(app, Options{
		Logger:          zerolog.Nop(),
		RateLimitPerMin: 100,
		Webhook: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
	return e
}

func (e *env) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func completedState(id string, keys ...string) *domain.RequestState {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(time.Minute)
	state := &domain.RequestState{Meta: domain.RequestMeta{
		ID: id, Provider: "runware", Model: "m", ExpectedCount: len(keys), CreatedAt: created, CompletedAt: &done,
	}}
	for i, key := range keys {
		state.Outputs = append(state.Outputs, domain.SuccessOutput(domain.Artifact{
			ArtifactID: fmt.Sprintf("a%d", i), Key: key, ContentType: "image/png", Index: i,
		}, nil, done))
	}
	return state
}

func TestCreateGeneration(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "accepted", body: `{"provider":"runware","model":"m","count":2}`, wantStatus: http.StatusAccepted},
		{name: "bad json", body: `{`, wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
		{name: "invalid input", err: fmt.Errorf("%w: model is required", domain.ErrInvalidInput), body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
		{name: "unknown provider", err: domain.ErrUnknownProvider, body: `{"provider":"x"}`, wantStatus: http.StatusNotFound, wantCode: "unknown_provider"},
		{name: "provider failure", err: dispatch.HTTPFailure("https://api.runware.test", 503, nil, nil), body: `{"provider":"runware","model":"m"}`, wantStatus: http.StatusBadGateway},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(nil)
			e.gen.err = tc.err
			rec := e.do(http.MethodPost, "/v1/generations", tc.body)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			var body map[string]json.RawMessage
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tc.wantCode != "" {
				var e struct {
					Code string `json:"code"`
				}
				_ = json.Unmarshal(body["error"], &e)
				if e.Code != tc.wantCode {
					t.Fatalf("error code = %q, want %q", e.Code, tc.wantCode)
				}
				return
			}
			if string(body["id"]) != `"req-1"` {
				t.Fatalf("id missing from response: %s", rec.Body.String())
			}
		})
	}
}

func TestCreateGenerationForwardsRequest(t *testing.T) {
	e := newEnv(nil)
	rec := e.do(http.MethodPost, "/v1/generations", `{"provider":"fal","model":"fal-ai/flux","input":{"prompt":"x"},"orientation":"portrait","annotations":{"k":"v"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.gen.got.Provider != "fal" || e.gen.got.Orientation != "portrait" || string(e.gen.got.Input) != `{"prompt":"x"}` {
		t.Fatalf("request not forwarded: %+v", e.gen.got)
	}
}

func TestGetGeneration(t *testing.T) {
	e := newEnv(nil)
	e.states["done"] = completedState("done", "generations/done/a0.png")
	failed := completedState("failed")
	failed.Meta.Error = domain.TimeoutError(0, 1)
	e.states["failed"] = failed
	e.states["pending"] = &domain.RequestState{Meta: domain.RequestMeta{ID: "pending", ExpectedCount: 1}}

	for id, want := range map[string]string{"done": "completed", "failed": "failed", "pending": "pending"} {
		rec := e.do(http.MethodGet, "/v1/generations/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", id, rec.Code)
		}
		var body struct {
			Status  string            `json:"status"`
			Outputs []json.RawMessage `json:"outputs"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != want {
			t.Fatalf("%s: status = %q, want %q", id, body.Status, want)
		}
		if body.Outputs == nil {
			t.Fatalf("%s: outputs must be an array", id)
		}
	}

	if rec := e.do(http.MethodGet, "/v1/generations/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", rec.Code)
	}
}

func TestListArtifactsFallsBackToState(t *testing.T) {
	e := newEnv(nil)
	e.states["r"] = completedState("r", "generations/r/a0.png", "generations/r/a1.png")

	rec := e.do(http.MethodGet, "/v1/generations/r/artifacts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Items []struct {
			Key string `json:"key"`
			URL string `json:"url"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 2 || body.Items[1].URL != "/v1/artifacts/generations/r/a1.png" {
		t.Fatalf("unexpected items: %s", rec.Body.String())
	}
}

func TestListArtifactsFromProjection(t *testing.T) {
	e := newEnv(stubLister{rows: []projection.ArtifactRow{{ID: "x", Key: "generations/p/x.png"}}})
	rec := e.do(http.MethodGet, "/v1/generations/p/artifacts", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "generations/p/x.png") {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestDownloadArtifact(t *testing.T) {
	e := newEnv(nil)
	e.store["generations/r/a0.png"] = storage.Object{Data: []byte("png-bytes"), ContentType: "image/png"}

	rec := e.do(http.MethodGet, "/v1/artifacts/generations/r/a0.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/png" || rec.Body.String() != "png-bytes" {
		t.Fatalf("unexpected artifact response: %q %q", rec.Header().Get("Content-Type"), rec.Body.String())
	}
	if rec := e.do(http.MethodGet, "/v1/artifacts/generations/r/missing.png", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing artifact status = %d", rec.Code)
	}
}

func TestDownloadArchive(t *testing.T) {
	e := newEnv(nil)
	e.states["r"] = completedState("r", "generations/r/a0.png", "generations/r/a1.png")
	e.store["generations/r/a0.png"] = storage.Object{Data: []byte("zero")}
	e.store["generations/r/a1.png"] = storage.Object{Data: []byte("one")}

	rec := e.do(http.MethodGet, "/v1/generations/r/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
	data := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 2 || zr.File[0].Name != "00-a0.png" {
		t.Fatalf("unexpected entries: %d", len(zr.File))
	}
	rc, _ := zr.File[1].Open()
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "one" {
		t.Fatalf("entry content = %q", got)
	}

	e.states["empty"] = completedState("empty")
	if rec := e.do(http.MethodGet, "/v1/generations/empty/archive", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("empty archive status = %d", rec.Code)
	}
}

func TestWebhookRouteAndHealth(t *testing.T) {
	e := newEnv(nil)
	if rec := e.do(http.MethodPost, "/v1/webhooks/runware?request_id=r", `{}`); rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}
	rec := e.do(http.MethodGet, "/v1/healthz", "")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("health status = %d", rec.Code)
	}
}
