package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/moria/internal/app"
)

// modelList is the response shape of GET /v1beta/models.
type modelList struct {
	Models []app.ModelInfo `json:"models"`
}

func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelList{Models: app.Catalog})
}

func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")
	m, ok := app.LookupModel(name)
	if !ok {
		writeJSON(w, http.StatusNotFound,
			errorResponse(http.StatusNotFound, "model "+name+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, m)
}
