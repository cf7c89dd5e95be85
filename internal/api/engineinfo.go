package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/model"
)

// engineInfoResponse is the JSON response for GET /v1/engine.
type engineInfoResponse struct {
	State           string             `json:"state"`
	Generation      uint64             `json:"generation"`
	EngineVersion   string             `json:"engine_version"`
	ContractVersion int                `json:"contract_version"`
	Catalog         []model.Capability `json:"catalog"`
	ConstantValues  map[string]float64 `json:"constant_values"`
	InFlight        int                `json:"in_flight"`
	TraceMode       bool               `json:"trace_mode"`
}

func (s *Server) handleEngineInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, engineInfoResponse{
		State:           s.engine.State(),
		Generation:      s.engine.Generation(),
		EngineVersion:   s.engine.EngineVersion(),
		ContractVersion: s.engine.ContractVersion(),
		Catalog:         s.engine.Catalog(),
		ConstantValues:  s.engine.ConstantValues(),
		InFlight:        s.engine.InFlight(),
		TraceMode:       s.engine.TraceMode(),
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// setTraceRequest is the JSON body for PUT /v1/engine/trace.
type setTraceRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	var req setTraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.engine.SetTraceMode(req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.engine.TraceMode(),
		"entries": s.engine.LastTrace(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "event store is not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events, err := s.events.ListEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list engine events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
