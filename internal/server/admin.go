package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/moria/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// defaultMaxConcurrent is the per-provider concurrency cap applied when both
// the admin payload and the wiring omit one.
const defaultMaxConcurrent = 10

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(http.StatusBadRequest, "invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse(http.StatusNotFound, "not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse(http.StatusConflict, "conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError,
			errorResponse(http.StatusInternalServerError, "internal error"))
	}
}

// --- Providers ---

// providerCreateRequest is the payload for registering an upstream credential
// set. The credentials arrive in plaintext and are encrypted by the store.
type providerCreateRequest struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	GroupID       string `json:"group_id,omitempty"`
	CSesIdx       string `json:"csesidx"`
	Cookies       string `json:"cookies,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if providers == nil {
		providers = []*gateway.Provider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": providers})
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.CSesIdx == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(http.StatusBadRequest, "name and csesidx are required"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.Must(uuid.NewV7()).String()
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = s.deps.DefaultMaxConcurrent
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = defaultMaxConcurrent
	}

	p := &gateway.Provider{
		ID:            req.ID,
		Name:          req.Name,
		GroupID:       req.GroupID,
		CSesIdx:       req.CSesIdx,
		Cookies:       req.Cookies,
		MaxConcurrent: req.MaxConcurrent,
		Status:        gateway.ProviderActive,
		HealthScore:   100,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.deps.Store.CreateProvider(r.Context(), p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/providers/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProvider(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validProviderStatuses are the states an admin may set directly.
var validProviderStatuses = map[gateway.ProviderStatus]bool{
	gateway.ProviderActive:   true,
	gateway.ProviderInactive: true,
	gateway.ProviderFailed:   true,
}

// handleProviderStatus sets a provider's status, typically to reactivate a
// failed provider or to drain one for maintenance.
func (s *server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status gateway.ProviderStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validProviderStatuses[req.Status] {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(http.StatusBadRequest, "status must be active, inactive, or failed"))
		return
	}
	if err := s.deps.Store.UpdateProviderStatus(r.Context(), id, req.Status); err != nil {
		writeAdminError(w, r, err)
		return
	}
	p, err := s.deps.Store.GetProvider(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Keys ---

// keyCreateRequest is the payload for minting a new API key.
type keyCreateRequest struct {
	UserID     string  `json:"user_id"`
	Name       string  `json:"name,omitempty"`
	DailyLimit int64   `json:"daily_limit,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty"` // RFC3339
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*gateway.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": keys})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(http.StatusBadRequest, "user_id is required"))
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse(http.StatusBadRequest, "invalid expires_at format, use RFC3339"))
			return
		}
		expiresAt = &t
	}

	plaintext := newRawKey()
	key := &gateway.APIKey{
		ID:         uuid.Must(uuid.NewV7()).String(),
		KeyHash:    gateway.HashKey(plaintext),
		KeyPrefix:  plaintext[:8],
		UserID:     req.UserID,
		Name:       req.Name,
		DailyLimit: req.DailyLimit,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		APIKey:       key,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	w.WriteHeader(http.StatusNoContent)
}

// newRawKey mints a fresh plaintext API key: the public prefix plus 48 hex
// characters of entropy.
func newRawKey() string {
	var b [24]byte
	rand.Read(b[:]) //nolint:errcheck // never fails per crypto/rand docs
	return gateway.APIKeyPrefix + hex.EncodeToString(b[:])
}
