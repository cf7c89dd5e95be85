package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/model"
)

// loadRequest is the JSON body for POST /v1/graph/load and /v1/graph/evaluate.
type loadRequest struct {
	Snapshot *model.Snapshot    `json:"snapshot"`
	Options  *model.EvalOptions `json:"options,omitempty"`
}

// patchRequest is the JSON body for POST /v1/graph/patch.
type patchRequest struct {
	Ops     []model.PatchOp    `json:"ops"`
	Options *model.EvalOptions `json:"options,omitempty"`
}

// inputRequest is the JSON body for POST /v1/graph/input.
type inputRequest struct {
	NodeID string  `json:"nodeId"`
	PortID string  `json:"portId"`
	Value  float64 `json:"value"`
}

func (s *Server) handleLoadSnapshot(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Snapshot == nil {
		s.writeError(w, http.StatusBadRequest, "snapshot is required")
		return
	}

	result, err := s.engine.LoadSnapshot(r.Context(), req.Snapshot, req.Options)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Snapshot == nil {
		s.writeError(w, http.StatusBadRequest, "snapshot is required")
		return
	}

	result, err := s.engine.EvaluateGraph(r.Context(), req.Snapshot, req.Options)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApplyPatch(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.engine.ApplyPatch(r.Context(), req.Ops, req.Options)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.NodeID == "" || req.PortID == "" {
		s.writeError(w, http.StatusBadRequest, "nodeId and portId are required")
		return
	}

	result, err := s.engine.SetInput(r.Context(), req.NodeID, req.PortID, req.Value)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
