package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/moria/internal"
)

// stateSucceeded is the upstream's normal terminal answer state. Any other
// terminal state maps to a truncated finish.
const stateSucceeded = "SUCCEEDED"

// Chunk is one unit of assistant output extracted from the stream.
type Chunk struct {
	Text    string
	Thought bool
}

// AssistResult aggregates a full assist exchange.
type AssistResult struct {
	Thoughts    []string
	Content     string
	State       string
	SessionName string
}

// Truncated reports whether the exchange ended in a non-success terminal state.
func (r *AssistResult) Truncated() bool {
	return r.State != "" && r.State != stateSucceeded
}

// Client talks to the assist backend on behalf of one provider. It holds the
// provider's cookie bag in its transport and a rotating bearer token.
type Client struct {
	providerID    string
	baseURL       string
	http          *http.Client
	tokens        *tokenManager
	log           *slog.Logger
	unaryTimeout  time.Duration
	streamTimeout time.Duration
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Resolver      *dnscache.Resolver
	Logger        *slog.Logger
	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
}

// NewClient creates a Client bound to one provider's credentials.
func NewClient(p *gateway.Provider, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UnaryTimeout <= 0 {
		opts.UnaryTimeout = 2 * time.Minute
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 30 * time.Minute
	}

	httpClient := &http.Client{
		Transport: &cookieTransport{
			cookies: p.Cookies,
			base:    NewTransport(opts.Resolver, true),
		},
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")

	return &Client{
		providerID:    p.ID,
		baseURL:       baseURL,
		http:          httpClient,
		tokens:        newTokenManager(httpClient, baseURL, p.CSesIdx),
		log:           opts.Logger,
		unaryTimeout:  opts.UnaryTimeout,
		streamTimeout: opts.StreamTimeout,
	}
}

// CreateSession opens a fresh upstream session and returns its opaque name.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()

	resp, err := c.post(ctx, c.baseURL+"/v1/sessions", []byte(`{}`), c.unaryTimeout)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("%w: read session response: %v", gateway.ErrUpstreamTransport, err)
	}

	name := gjson.GetBytes(body, "name").String()
	if name == "" {
		return "", fmt.Errorf("%w: session response missing name", gateway.ErrUpstreamProtocol)
	}
	return name, nil
}

// StreamAssist sends a query to the session's streaming endpoint and invokes
// sink for every extracted chunk, in upstream delivery order. The returned
// result carries the aggregated text and terminal state.
func (c *Client) StreamAssist(ctx context.Context, sessionName, query, modelID string, sink func(Chunk) error) (*AssistResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"session": sessionName,
		"query":   map[string]any{"text": query},
		"assistSkippingMode": "REQUEST_ASSIST",
		"answerGenerationMode": map[string]any{"model": modelID},
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal assist request: %w", err)
	}

	u := c.baseURL + "/v1/" + sessionName + ":streamAssist"
	resp, err := c.post(ctx, u, payload, c.streamTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &AssistResult{}
	var content strings.Builder
	err = scanArray(resp.Body, func(obj []byte) error {
		if !gjson.ValidBytes(obj) {
			c.log.LogAttrs(ctx, slog.LevelWarn, "skipping malformed stream object",
				slog.String("provider_id", c.providerID),
				slog.Int("size", len(obj)))
			return nil
		}
		return c.consumeObject(obj, result, &content, sink)
	})
	if err != nil {
		return nil, err
	}

	result.Content = content.String()
	return result, nil
}

// SendMessage is the buffered variant of StreamAssist: it collects every
// chunk and returns only the aggregate.
func (c *Client) SendMessage(ctx context.Context, sessionName, query, modelID string) (*AssistResult, error) {
	return c.StreamAssist(ctx, sessionName, query, modelID, func(Chunk) error { return nil })
}

// consumeObject interprets one stream object, forwarding text chunks to sink
// and folding state/session info into the result.
func (c *Client) consumeObject(obj []byte, result *AssistResult, content *strings.Builder, sink func(Chunk) error) error {
	sar := gjson.GetBytes(obj, "streamAssistResponse")
	if !sar.Exists() {
		return nil
	}

	if state := sar.Get("answer.state").String(); state != "" {
		result.State = state
	}
	if session := sar.Get("sessionInfo.session").String(); session != "" {
		result.SessionName = session
	}

	var sinkErr error
	sar.Get("answer.replies").ForEach(func(_, reply gjson.Result) bool {
		gc := reply.Get("groundedContent.content")
		text := gc.Get("text").String()
		if text == "" {
			return true
		}
		thought := gc.Get("thought").Bool()
		if thought {
			result.Thoughts = append(result.Thoughts, text)
		} else {
			content.WriteString(text)
		}
		if err := sink(Chunk{Text: text, Thought: thought}); err != nil {
			sinkErr = err
			return false
		}
		return true
	})
	return sinkErr
}

// post issues an authenticated POST. The per-call timeout is also signalled
// to the upstream via a request header so it can bound its own work.
func (c *Client) post(ctx context.Context, url string, body []byte, timeout time.Duration) (*http.Response, error) {
	bearer, err := c.tokens.Bearer(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Server-Timeout", strconv.Itoa(int(timeout.Seconds())))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamTransport, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: upstream returned %d: %s", gateway.ErrUpstreamAuth, resp.StatusCode, snippet)
		}
		return nil, fmt.Errorf("%w: upstream returned %d: %s", gateway.ErrUpstreamTransport, resp.StatusCode, snippet)
	}
	return resp, nil
}
