package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/app"
	"github.com/eugener/moria/internal/scheduler"
	"github.com/eugener/moria/internal/session"
	"github.com/eugener/moria/internal/testutil"
	"github.com/eugener/moria/internal/upstream"
)

// fakeAuth always authenticates successfully with unlimited quota.
type fakeAuth struct {
	quotaErr    error
	invalidated []string
}

func (a *fakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.Identity, error) {
	return &gateway.Identity{KeyID: "k1", UserID: "u1", Subject: "mra_test"}, nil
}

func (a *fakeAuth) ConsumeQuota(context.Context, string) error { return a.quotaErr }

func (a *fakeAuth) InvalidateByKeyID(id string) { a.invalidated = append(a.invalidated, id) }

// rejectAuth refuses every request.
type rejectAuth struct{}

func (rejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.ErrUnauthorized
}
func (rejectAuth) ConsumeQuota(context.Context, string) error { return nil }
func (rejectAuth) InvalidateByKeyID(string)                   {}

type fakePool struct {
	clients map[string]*testutil.UpstreamClient
}

func (f fakePool) ClientFor(p *gateway.Provider) app.Client { return f.clients[p.ID] }

type fixture struct {
	handler http.Handler
	store   *testutil.Store
	auth    *fakeAuth
	clients map[string]*testutil.UpstreamClient
}

// newFixture builds a full handler over in-memory stores with one active
// provider and a canned upstream client.
func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	store := testutil.NewStore()
	store.CreateProvider(context.Background(), &gateway.Provider{
		ID:            "p1",
		Name:          "primary",
		Status:        gateway.ProviderActive,
		HealthScore:   100,
		MaxConcurrent: 10,
	})
	clients := map[string]*testutil.UpstreamClient{
		"p1": {
			SessionName: "sessions/p1",
			Chunks:      []upstream.Chunk{{Text: "Hello world"}},
		},
	}

	log := slog.New(slog.DiscardHandler)
	exec := app.NewExecutor(app.Options{
		Scheduler: scheduler.New(store, log, scheduler.Config{MaxRetries: 3}),
		Matcher:   session.NewMatcher(store, log, time.Hour, 100),
		Pool:      fakePool{clients},
		Logger:    log,
	})

	auth := &fakeAuth{}
	deps := Deps{
		Auth:     auth,
		Exec:     exec,
		Store:    store,
		AdminKey: "admin-secret",
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &fixture{handler: New(deps), store: store, auth: auth, clients: clients}
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const genBody = `{"contents":[{"role":"user","parts":[{"text":"hi there"}]}]}`

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyzNotReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(d *Deps) {
		d.ReadyCheck = func(context.Context) error { return context.DeadlineExceeded }
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id not set")
	}

	// Caller-supplied ids are echoed back.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Errorf("X-Request-Id = %q, want req-42", got)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp modelList
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Models) != len(app.Catalog) {
		t.Errorf("models = %d, want %d", len(resp.Models), len(app.Catalog))
	}
}

func TestGetModel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1beta/models/gemini-2.5-pro", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var m app.ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.Name != "models/gemini-2.5-pro" {
		t.Errorf("name = %q", m.Name)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1beta/models/no-such-model", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGenerateContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := postJSON(t, f.handler, "/v1beta/models/gemini-2.5-flash:generateContent", genBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp gateway.GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(resp.Candidates))
	}
	if got := resp.Candidates[0].Content.Parts[0].Text; got != "Hello world" {
		t.Errorf("text = %q", got)
	}
	if resp.UsageMetadata == nil {
		t.Error("usageMetadata missing")
	}
}

func TestGenerateContentUnauthorized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(d *Deps) { d.Auth = rejectAuth{} })

	rec := postJSON(t, f.handler, "/v1beta/models/gemini-2.5-flash:generateContent", genBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var e apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Error.Status != "UNAUTHENTICATED" {
		t.Errorf("status string = %q", e.Error.Status)
	}
}

func TestGenerateContentQuotaExceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.auth.quotaErr = gateway.ErrRateLimited

	rec := postJSON(t, f.handler, "/v1beta/models/gemini-2.5-flash:generateContent", genBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var e apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Error.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("status string = %q", e.Error.Status)
	}
}

func TestGenerateContentBadBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := postJSON(t, f.handler, "/v1beta/models/gemini-2.5-flash:generateContent", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestModelActionRouting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	// Missing action verb.
	rec := postJSON(t, f.handler, "/v1beta/models/gemini-2.5-flash", genBody)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no action: status = %d, want 404", rec.Code)
	}

	// Unknown action verb.
	rec = postJSON(t, f.handler, "/v1beta/models/gemini-2.5-flash:countTokens", genBody)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown action: status = %d, want 404", rec.Code)
	}
}

// parseSSE splits the recorded body into data frame payloads, excluding the
// [DONE] sentinel, and reports whether the sentinel was present.
func parseSSE(t *testing.T, body string) (frames []string, done bool) {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		frames = append(frames, payload)
	}
	return frames, done
}

func TestStreamGenerateContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := postJSON(t, f.handler, "/v1beta/models/gemini-2.5-flash:streamGenerateContent", genBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	frames, done := parseSSE(t, rec.Body.String())
	if !done {
		t.Error("missing [DONE] sentinel")
	}
	// One content chunk plus the terminal usage chunk.
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2: %v", len(frames), frames)
	}

	var first gateway.GenerateResponse
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Candidates[0].Content.Parts[0].Text != "Hello world" {
		t.Errorf("first chunk = %+v", first.Candidates[0])
	}
	if first.Candidates[0].FinishReason != nil {
		t.Error("non-terminal chunk has finishReason")
	}

	var last gateway.GenerateResponse
	if err := json.Unmarshal([]byte(frames[1]), &last); err != nil {
		t.Fatal(err)
	}
	if last.Candidates[0].FinishReason == nil || *last.Candidates[0].FinishReason != gateway.FinishStop {
		t.Errorf("terminal chunk = %+v", last.Candidates[0])
	}
	if last.UsageMetadata == nil {
		t.Error("terminal chunk missing usage")
	}
}

func TestStreamErrorBeforeOutputIsJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	// Take the only provider out of rotation so the stream fails before any
	// chunk is produced.
	f.store.UpdateProviderStatus(context.Background(), "p1", gateway.ProviderInactive)

	rec := postJSON(t, f.handler, "/v1beta/models/gemini-2.5-flash:streamGenerateContent", genBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
}
