package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/moria/internal"
)

func newTestProvider() *gateway.Provider {
	return &gateway.Provider{
		ID:      "p1",
		CSesIdx: "cs-1",
		Cookies: "session=abc; flavor=oatmeal",
	}
}

// newUpstreamServer fakes the token endpoint plus whatever extra routes the
// test registers.
func newUpstreamServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	mux.HandleFunc("/v1/xsrfToken", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"token":      base64.RawURLEncoding.EncodeToString(testHMACKey),
			"keyId":      "key-1",
			"expireTime": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing bearer token")
		}
		if r.Header.Get("Cookie") != "session=abc; flavor=oatmeal" {
			t.Errorf("cookie = %q", r.Header.Get("Cookie"))
		}
		json.NewEncoder(w).Encode(map[string]string{"name": "sessions/s-123"})
	})
	srv := newUpstreamServer(t, mux)

	c := NewClient(newTestProvider(), Options{BaseURL: srv.URL})
	name, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if name != "sessions/s-123" {
		t.Errorf("name = %q, want sessions/s-123", name)
	}
}

func TestCreateSessionMissingName(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	srv := newUpstreamServer(t, mux)

	c := NewClient(newTestProvider(), Options{BaseURL: srv.URL})
	if _, err := c.CreateSession(context.Background()); !errors.Is(err, gateway.ErrUpstreamProtocol) {
		t.Errorf("err = %v, want ErrUpstreamProtocol", err)
	}
}

func TestStreamAssist(t *testing.T) {
	t.Parallel()

	body := `[
	{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"thinking...","thought":true}}}]}}},
	{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"Hello"}}},{"groundedContent":{"content":{"text":" world"}}}]}}},
	{"streamAssistResponse":{"answer":{"state":"SUCCEEDED"},"sessionInfo":{"session":"sessions/s-123"}}}
	]`

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s-123:streamAssist", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Server-Timeout") == "" {
			t.Error("missing timeout header")
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["session"] != "sessions/s-123" {
			t.Errorf("session = %v", req["session"])
		}
		w.Write([]byte(body))
	})
	srv := newUpstreamServer(t, mux)

	c := NewClient(newTestProvider(), Options{BaseURL: srv.URL})
	var chunks []Chunk
	result, err := c.StreamAssist(context.Background(), "sessions/s-123", "hi", "model-x", func(ch Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if !chunks[0].Thought || chunks[0].Text != "thinking..." {
		t.Errorf("chunks[0] = %+v", chunks[0])
	}
	if chunks[1].Text != "Hello" || chunks[2].Text != " world" {
		t.Errorf("content chunks = %+v", chunks[1:])
	}
	if result.Content != "Hello world" {
		t.Errorf("content = %q", result.Content)
	}
	if len(result.Thoughts) != 1 {
		t.Errorf("thoughts = %v", result.Thoughts)
	}
	if result.State != "SUCCEEDED" || result.Truncated() {
		t.Errorf("state = %q truncated = %v", result.State, result.Truncated())
	}
	if result.SessionName != "sessions/s-123" {
		t.Errorf("session = %q", result.SessionName)
	}
}

func TestStreamAssistSkipsMalformedObject(t *testing.T) {
	t.Parallel()

	// Middle object is structurally balanced but not valid JSON; it must be
	// skipped without failing the call.
	body := `[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"ok"}}}]}}},{broken},{"streamAssistResponse":{"answer":{"state":"SUCCEEDED"}}}]`

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s-1:streamAssist", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	srv := newUpstreamServer(t, mux)

	c := NewClient(newTestProvider(), Options{BaseURL: srv.URL})
	result, err := c.StreamAssist(context.Background(), "sessions/s-1", "hi", "m", func(Chunk) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "ok" || result.State != "SUCCEEDED" {
		t.Errorf("result = %+v", result)
	}
}

func TestStreamAssistAuthFailure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s-1:streamAssist", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	})
	srv := newUpstreamServer(t, mux)

	c := NewClient(newTestProvider(), Options{BaseURL: srv.URL})
	_, err := c.StreamAssist(context.Background(), "sessions/s-1", "hi", "m", func(Chunk) error { return nil })
	if !errors.Is(err, gateway.ErrUpstreamAuth) {
		t.Errorf("err = %v, want ErrUpstreamAuth", err)
	}
}

func TestLatestFileNone(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[]}`))
	})
	srv := newUpstreamServer(t, mux)

	c := NewClient(newTestProvider(), Options{BaseURL: srv.URL})
	if _, err := c.LatestFile(context.Background(), "sessions/s-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDownloadFile(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/files/f-1:download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	srv := newUpstreamServer(t, mux)

	c := NewClient(newTestProvider(), Options{BaseURL: srv.URL})
	data, err := c.DownloadFile(context.Background(), "files/f-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4 || data[1] != 'P' {
		t.Errorf("data = %v", data)
	}
}
