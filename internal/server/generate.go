package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/app"
)

// maxGenerateBody caps generation request bodies (8 MB). Long conversations
// with inline data can get large, but not unbounded.
const maxGenerateBody = 8 << 20

// handleModelAction dispatches POST /v1beta/models/{model}. The Gemini API
// encodes the verb in the final path segment ("gemini-2.5-pro:generateContent"),
// so the route param carries both and is split on the last colon here.
func (s *server) handleModelAction(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "model")
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 {
		writeJSON(w, http.StatusNotFound,
			errorResponse(http.StatusNotFound, "unknown method: use model:generateContent or model:streamGenerateContent"))
		return
	}
	model, action := raw[:idx], raw[idx+1:]

	var req gateway.GenerateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxGenerateBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(http.StatusBadRequest, "invalid request body"))
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	if err := s.deps.Auth.ConsumeQuota(r.Context(), identity.KeyID); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.Inc()
		}
		writeError(w, err)
		return
	}

	switch action {
	case "generateContent":
		s.generate(w, r, identity, model, &req)
	case "streamGenerateContent":
		s.generateStream(w, r, identity, model, &req)
	default:
		writeJSON(w, http.StatusNotFound,
			errorResponse(http.StatusNotFound, "unknown method "+action))
	}
}

// generate serves the unary generateContent call.
func (s *server) generate(w http.ResponseWriter, r *http.Request, id *gateway.Identity, model string, req *gateway.GenerateRequest) {
	resp, err := s.deps.Exec.Generate(r.Context(), id, model, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// generateStream serves streamGenerateContent over SSE. The SSE headers are
// written lazily on the first chunk so errors that occur before any output
// still produce a proper JSON error status.
func (s *server) generateStream(w http.ResponseWriter, r *http.Request, id *gateway.Identity, model string, req *gateway.GenerateRequest) {
	flusher, _ := w.(http.Flusher)
	started := false

	err := s.deps.Exec.GenerateStream(r.Context(), id, model, req, func(chunk *gateway.GenerateResponse) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if !started {
			writeSSEHeaders(w)
			started = true
		}
		writeSSEData(w, data)
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if !started {
			writeError(w, err)
			return
		}
		// The stream already carried data; the error can only be logged and
		// the stream terminated.
		slog.LogAttrs(r.Context(), slog.LevelWarn, "stream aborted",
			slog.String("model", model),
			slog.Int("status", app.StatusForError(err)),
			slog.String("error", err.Error()),
		)
		writeSSEDone(w)
		return
	}
	writeSSEDone(w)
	if flusher != nil {
		flusher.Flush()
	}
}
