package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Dataset bodies are raw binary numeric buffers, passed through to the
// kernel without inspection.

func (s *Server) handleRegisterDataset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read dataset body")
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "dataset body is empty")
		return
	}

	if err := s.engine.RegisterDataset(id, data); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "bytes": len(data)})
}

func (s *Server) handleReleaseDataset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.ReleaseDataset(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}
