// Package app implements the request executor: the pipeline that composes
// the scheduler, session matcher, and upstream client into one public-API
// call.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/scheduler"
	"github.com/eugener/moria/internal/session"
	"github.com/eugener/moria/internal/telemetry"
	"github.com/eugener/moria/internal/tokencount"
	"github.com/eugener/moria/internal/upstream"
)

// mediaGrace is how long the executor waits after the text stream closes
// before asking the upstream for a generated file; generation lags the
// answer slightly.
const mediaGrace = 2 * time.Second

// Client is the slice of the upstream client the executor needs.
type Client interface {
	CreateSession(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, sessionName, query, modelID string) (*upstream.AssistResult, error)
	StreamAssist(ctx context.Context, sessionName, query, modelID string, sink func(upstream.Chunk) error) (*upstream.AssistResult, error)
	LatestFile(ctx context.Context, sessionName string) (*upstream.FileMeta, error)
	DownloadFile(ctx context.Context, name string) ([]byte, error)
}

// ClientPool hands out per-provider upstream clients.
type ClientPool interface {
	ClientFor(p *gateway.Provider) Client
}

// WrapPool adapts the concrete upstream pool to the executor's interface.
func WrapPool(p *upstream.Pool) ClientPool { return poolAdapter{p} }

type poolAdapter struct{ pool *upstream.Pool }

func (a poolAdapter) ClientFor(p *gateway.Provider) Client { return a.pool.ClientFor(p) }

// Recorder accepts request-log rows for asynchronous persistence.
type Recorder interface {
	Record(row gateway.RequestLog)
}

// Executor orchestrates public-API generation calls.
type Executor struct {
	sched    *scheduler.Scheduler
	matcher  *session.Matcher
	pool     ClientPool
	counter  *tokencount.Counter
	recorder Recorder
	metrics  *telemetry.Metrics
	log      *slog.Logger

	mediaKeywords []string
}

// Options wires an Executor.
type Options struct {
	Scheduler     *scheduler.Scheduler
	Matcher       *session.Matcher
	Pool          ClientPool
	Recorder      Recorder
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
	MediaKeywords []string
}

// NewExecutor returns a ready Executor.
func NewExecutor(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		sched:         opts.Scheduler,
		matcher:       opts.Matcher,
		pool:          opts.Pool,
		counter:       tokencount.NewCounter(),
		recorder:      opts.Recorder,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		mediaKeywords: opts.MediaKeywords,
	}
}

// callState accumulates per-request facts for the log row across retries.
type callState struct {
	providerID string
	sessionID  string
	output     int
}

// Generate runs a unary generateContent call.
func (e *Executor) Generate(ctx context.Context, id *gateway.Identity, model string, req *gateway.GenerateRequest) (*gateway.GenerateResponse, error) {
	query, err := validate(req)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer("moria/executor").Start(ctx, "generate",
		trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	start := time.Now()
	promptTokens := e.counter.EstimateContents(req.Contents)
	modelID := MapModel(model)
	includeThoughts := req.ThinkingConfig != nil && req.ThinkingConfig.IncludeThoughts
	media := e.wantsMedia(req, query)

	var resp *gateway.GenerateResponse
	state := &callState{}
	preferred := e.matcher.Peek(ctx, id.UserID, req.Contents)

	err = e.sched.WithRetry(ctx, "", preferred, func(ctx context.Context, p *gateway.Provider) error {
		state.providerID = p.ID

		sess, client, err := e.resolveSession(ctx, id.UserID, p, req.Contents)
		if err != nil {
			return err
		}
		state.sessionID = sess.ID

		upStart := time.Now()
		result, err := client.SendMessage(ctx, sess.UpstreamSessionID, query, modelID)
		e.observeUpstream(p.ID, modelID, upStart, err)
		if err != nil {
			return err
		}

		parts := buildParts(result, includeThoughts)
		if media {
			if blob := e.fetchMedia(ctx, client, sess.UpstreamSessionID); blob != nil {
				parts = append(parts, gateway.Part{InlineData: blob})
			}
		}

		outputTokens := e.counter.CountText(result.Content)
		state.output = outputTokens
		finish := gateway.FinishStop
		if result.Truncated() {
			finish = gateway.FinishMaxTokens
		}
		resp = &gateway.GenerateResponse{
			Candidates: []gateway.Candidate{{
				Content:       gateway.Content{Role: "model", Parts: parts},
				FinishReason:  &finish,
				SafetyRatings: gateway.SafetyRatings(),
			}},
			UsageMetadata: &gateway.UsageMetadata{
				PromptTokenCount:     promptTokens,
				CandidatesTokenCount: outputTokens,
				TotalTokenCount:      promptTokens + outputTokens,
			},
			ModelVersion: strings.TrimPrefix(model, "models/"),
		}

		e.afterExchange(ctx, sess, req.Contents)
		return nil
	})

	e.record(ctx, id, model, gateway.KindGenerate, state, promptTokens, start, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// GenerateStream runs a streaming call, emitting chunks to sink in upstream
// order. After the upstream closes it emits a synthetic terminal chunk with
// the usage block, then any generated media as an inline-data chunk.
func (e *Executor) GenerateStream(ctx context.Context, id *gateway.Identity, model string, req *gateway.GenerateRequest, sink func(*gateway.GenerateResponse) error) error {
	query, err := validate(req)
	if err != nil {
		return err
	}

	ctx, span := telemetry.Tracer("moria/executor").Start(ctx, "generate_stream",
		trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	start := time.Now()
	promptTokens := e.counter.EstimateContents(req.Contents)
	modelID := MapModel(model)
	modelVersion := strings.TrimPrefix(model, "models/")
	includeThoughts := req.ThinkingConfig != nil && req.ThinkingConfig.IncludeThoughts
	media := e.wantsMedia(req, query)

	state := &callState{}
	preferred := e.matcher.Peek(ctx, id.UserID, req.Contents)

	err = e.sched.WithRetry(ctx, "", preferred, func(ctx context.Context, p *gateway.Provider) error {
		state.providerID = p.ID

		sess, client, err := e.resolveSession(ctx, id.UserID, p, req.Contents)
		if err != nil {
			return err
		}
		state.sessionID = sess.ID

		delivered := false
		upStart := time.Now()
		result, err := client.StreamAssist(ctx, sess.UpstreamSessionID, query, modelID, func(ch upstream.Chunk) error {
			if ch.Thought && !includeThoughts {
				return nil
			}
			chunk := &gateway.GenerateResponse{
				Candidates: []gateway.Candidate{{
					Content: gateway.Content{Role: "model", Parts: []gateway.Part{
						{Text: ch.Text, Thought: ch.Thought},
					}},
				}},
				ModelVersion: modelVersion,
			}
			if err := sink(chunk); err != nil {
				return err
			}
			if !ch.Thought {
				delivered = true
			}
			if e.metrics != nil {
				e.metrics.StreamChunks.Inc()
			}
			return nil
		})
		e.observeUpstream(p.ID, modelID, upStart, err)
		if err != nil {
			if delivered {
				// Substitution after delivered content would replay the answer.
				return gateway.Terminal(err)
			}
			return err
		}

		outputTokens := e.counter.CountText(result.Content)
		state.output = outputTokens
		finish := gateway.FinishStop
		if result.Truncated() {
			finish = gateway.FinishMaxTokens
		}
		final := &gateway.GenerateResponse{
			Candidates: []gateway.Candidate{{
				Content:       gateway.Content{Role: "model", Parts: []gateway.Part{{Text: ""}}},
				FinishReason:  &finish,
				SafetyRatings: gateway.SafetyRatings(),
			}},
			UsageMetadata: &gateway.UsageMetadata{
				PromptTokenCount:     promptTokens,
				CandidatesTokenCount: outputTokens,
				TotalTokenCount:      promptTokens + outputTokens,
			},
			ModelVersion: modelVersion,
		}
		if err := sink(final); err != nil {
			return gateway.Terminal(err)
		}

		if media {
			if err := e.streamMedia(ctx, client, sess.UpstreamSessionID, modelVersion, sink); err != nil {
				return err
			}
		}

		e.afterExchange(ctx, sess, req.Contents)
		return nil
	})

	e.record(ctx, id, model, gateway.KindStream, state, promptTokens, start, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// resolveSession matches the conversation to a session on the acquired
// provider and lazily creates the upstream session on first use.
func (e *Executor) resolveSession(ctx context.Context, userID string, p *gateway.Provider, contents []gateway.Content) (*gateway.Session, Client, error) {
	sess, kind, err := e.matcher.MatchOrCreate(ctx, userID, p.ID, contents)
	if err != nil {
		return nil, nil, err
	}
	if e.metrics != nil {
		e.metrics.SessionMatches.WithLabelValues(string(kind)).Inc()
	}

	client := e.pool.ClientFor(p)

	if sess.UpstreamSessionID == "" {
		upID, err := client.CreateSession(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := e.matcher.BindUpstreamSession(ctx, sess.ID, upID); err != nil {
			// A concurrent request won the binding; theirs stands in the
			// store, but the session we just opened still serves this call.
			e.log.LogAttrs(ctx, slog.LevelWarn, "upstream session bind lost",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
		}
		sess.UpstreamSessionID = upID
	}
	return sess, client, nil
}

// afterExchange applies the success bookkeeping for one completed exchange.
func (e *Executor) afterExchange(ctx context.Context, sess *gateway.Session, contents []gateway.Content) {
	if err := e.matcher.RecordMessage(ctx, sess.ID, contents); err != nil {
		e.log.LogAttrs(ctx, slog.LevelWarn, "record message failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}
}

// observeUpstream records duration and error-kind metrics for one upstream
// round trip.
func (e *Executor) observeUpstream(providerID, modelID string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.UpstreamDuration.WithLabelValues(providerID, modelID).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.UpstreamErrors.WithLabelValues(providerID, upstreamErrKind(err)).Inc()
	}
}

// upstreamErrKind buckets an upstream failure for the error counter.
func upstreamErrKind(err error) string {
	switch {
	case errors.Is(err, gateway.ErrUpstreamAuth):
		return "auth"
	case errors.Is(err, gateway.ErrUpstreamTransport):
		return "transport"
	case errors.Is(err, gateway.ErrUpstreamProtocol):
		return "protocol"
	default:
		return "other"
	}
}

// fetchMedia retrieves the latest generated file, or nil when none exists.
func (e *Executor) fetchMedia(ctx context.Context, client Client, upstreamSession string) *gateway.Blob {
	meta, err := client.LatestFile(ctx, upstreamSession)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			e.log.LogAttrs(ctx, slog.LevelWarn, "fetch media metadata failed",
				slog.String("error", err.Error()))
		}
		return nil
	}
	data, err := client.DownloadFile(ctx, meta.Name)
	if err != nil {
		e.log.LogAttrs(ctx, slog.LevelWarn, "download media failed",
			slog.String("file", meta.Name),
			slog.String("error", err.Error()))
		return nil
	}
	return &gateway.Blob{
		MimeType: meta.MimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
}

// streamMedia waits out the generation grace period and emits the media
// chunk. Media problems never fail a stream that already answered.
func (e *Executor) streamMedia(ctx context.Context, client Client, upstreamSession, modelVersion string, sink func(*gateway.GenerateResponse) error) error {
	select {
	case <-time.After(mediaGrace):
	case <-ctx.Done():
		return gateway.Terminal(ctx.Err())
	}

	blob := e.fetchMedia(ctx, client, upstreamSession)
	if blob == nil {
		return nil
	}
	finish := gateway.FinishStop
	chunk := &gateway.GenerateResponse{
		Candidates: []gateway.Candidate{{
			Content:      gateway.Content{Role: "model", Parts: []gateway.Part{{InlineData: blob}}},
			FinishReason: &finish,
		}},
		ModelVersion: modelVersion,
	}
	if err := sink(chunk); err != nil {
		return gateway.Terminal(err)
	}
	return nil
}

// record writes the request-log row for one terminal outcome.
func (e *Executor) record(ctx context.Context, id *gateway.Identity, model, kind string, state *callState, promptTokens int, start time.Time, callErr error) {
	if e.recorder == nil {
		return
	}
	row := gateway.RequestLog{
		ID:           uuid.NewString(),
		UserID:       id.UserID,
		KeyID:        id.KeyID,
		ProviderID:   state.providerID,
		SessionID:    state.sessionID,
		Model:        strings.TrimPrefix(model, "models/"),
		Kind:         kind,
		PromptTokens: promptTokens,
		OutputTokens: state.output,
		LatencyMs:    int(time.Since(start).Milliseconds()),
		StatusCode:   StatusForError(callErr),
		CreatedAt:    time.Now().UTC(),
	}
	if callErr != nil {
		row.Error = callErr.Error()
	}
	e.recorder.Record(row)

	if e.metrics != nil && callErr == nil {
		e.metrics.TokensProcessed.WithLabelValues(row.Model, "prompt").Add(float64(promptTokens))
		e.metrics.TokensProcessed.WithLabelValues(row.Model, "output").Add(float64(state.output))
	}
}

// buildParts assembles the unary candidate parts: thoughts first (when
// requested), then the answer text.
func buildParts(result *upstream.AssistResult, includeThoughts bool) []gateway.Part {
	var parts []gateway.Part
	if includeThoughts {
		for _, t := range result.Thoughts {
			parts = append(parts, gateway.Part{Text: t, Thought: true})
		}
	}
	if result.Content != "" {
		parts = append(parts, gateway.Part{Text: result.Content})
	}
	return parts
}

// validate checks the request shape and returns the query text, which is the
// text of the conversation's last message.
func validate(req *gateway.GenerateRequest) (string, error) {
	if req == nil || len(req.Contents) == 0 {
		return "", gateway.ErrBadRequest
	}
	last := req.Contents[len(req.Contents)-1]
	var texts []string
	for _, p := range last.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return "", gateway.ErrBadRequest
	}
	return strings.Join(texts, "\n"), nil
}

// wantsMedia reports whether the request asks for generated media: an IMAGE
// response modality, or any configured keyword appearing in the query.
func (e *Executor) wantsMedia(req *gateway.GenerateRequest, query string) bool {
	if req.GenerationConfig != nil {
		for _, m := range req.GenerationConfig.ResponseModalities {
			if strings.EqualFold(m, "IMAGE") {
				return true
			}
		}
	}
	lower := strings.ToLower(query)
	for _, kw := range e.mediaKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// StatusForError maps the error taxonomy to HTTP status codes. A nil error
// is 200.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrKeyExpired),
		errors.Is(err, gateway.ErrKeyBlocked):
		return 401
	case errors.Is(err, gateway.ErrRateLimited):
		return 429
	case errors.Is(err, gateway.ErrBadRequest):
		return 400
	case errors.Is(err, gateway.ErrNoProvider):
		return 503
	case errors.Is(err, gateway.ErrUpstreamAuth),
		errors.Is(err, gateway.ErrUpstreamTransport),
		errors.Is(err, gateway.ErrUpstreamProtocol):
		return 502
	case errors.Is(err, gateway.ErrNotFound):
		return 404
	default:
		return 500
	}
}
