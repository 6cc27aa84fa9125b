package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chromeflow/chromeflow/internal/checkpoint"
	"github.com/chromeflow/chromeflow/internal/faults"
	"github.com/chromeflow/chromeflow/internal/logger"
)

type startRunRequest struct {
	Automation string `json:"automation"`
	RunID      string `json:"run_id"`
}

type runResponse struct {
	RunID      string          `json:"run_id"`
	Automation string          `json:"automation,omitempty"`
	Version    string          `json:"version,omitempty"`
	LastIndex  int             `json:"last_index"`
	Status     string          `json:"status"`
	UpdatedAt  string          `json:"updated_at,omitempty"`
	Failures   []faults.Record `json:"failures,omitempty"`
}

type automationResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Schedule string `json:"schedule,omitempty"`
	Steps    int    `json:"steps"`
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	automations := s.scripts.List()
	resp := make([]automationResponse, 0, len(automations))
	for _, a := range automations {
		resp = append(resp, automationResponse{
			Name:     a.Name,
			Version:  a.Version,
			Schedule: a.Schedule,
			Steps:    len(a.Steps),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartRun launches (or resumes) a run asynchronously and returns
// its identity; progress is observed through the run endpoints.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Automation == "" {
		writeError(w, http.StatusBadRequest, "automation is required")
		return
	}
	if _, err := s.scripts.Get(req.Automation); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	go func() {
		result, err := s.engine.StartRun(s.baseCtx, req.Automation, runID)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"run_id": runID,
				"error":  err,
			}).Error("triggered run was refused")
			return
		}
		logger.WithFields(map[string]interface{}{
			"run_id": result.RunID,
			"status": result.Status,
		}).Info("triggered run finished")
	}()

	writeJSON(w, http.StatusAccepted, runResponse{
		RunID:      runID,
		Automation: req.Automation,
		LastIndex:  checkpoint.NoStepCompleted,
		Status:     string(checkpoint.StatusPending),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.store.List(r.Context())
	if err != nil {
		logger.WithField("error", err).Error("failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := make([]runResponse, 0, len(checkpoints))
	for _, cp := range checkpoints {
		resp = append(resp, checkpointToResponse(cp, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	cp, err := s.store.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			logger.WithFields(map[string]interface{}{
				"run_id": runID,
				"error":  err,
			}).Error("failed to load run")
			writeError(w, http.StatusInternalServerError, "failed to load run")
		}
		return
	}

	failures, err := s.store.Failures(r.Context(), runID)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"run_id": runID,
			"error":  err,
		}).Error("failed to load failure records")
		writeError(w, http.StatusInternalServerError, "failed to load failure records")
		return
	}
	writeJSON(w, http.StatusOK, checkpointToResponse(cp, failures))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.engine.Cancel(runID) {
		writeError(w, http.StatusNotFound, "run is not executing")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(checkpoint.StatusPaused),
	})
}

func checkpointToResponse(cp checkpoint.Checkpoint, failures []faults.Record) runResponse {
	resp := runResponse{
		RunID:      cp.RunID,
		Automation: cp.Automation,
		Version:    cp.Version,
		LastIndex:  cp.LastIndex,
		Status:     string(cp.Status),
		Failures:   failures,
	}
	if !cp.UpdatedAt.IsZero() {
		resp.UpdatedAt = cp.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithField("error", err).Debug("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
