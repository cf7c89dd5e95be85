package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

type healthResponse struct {
	Status     string `json:"status"`
	Engine     string `json:"engine"`
	Generation uint64 `json:"generation"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Engine:     s.engine.State(),
		Generation: s.engine.Generation(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
