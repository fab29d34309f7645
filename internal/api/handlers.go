package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/fleet-agent/internal/credentials"
	"github.com/mattjoyce/fleet-agent/internal/state"
)

// maxBodyBytes bounds status update bodies; details are small job metadata.
const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	list, err := s.execs.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Executions:    len(list),
		ChannelOpen:   s.channel != nil && s.channel.IsOpen(),
	})
}

// handleInfo handles GET /info (no auth).
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, InfoResponse{
		AgentEndpoint: s.config.AgentEndpoint,
		AgentVersion:  s.config.AgentVersion,
		AgentID:       s.config.AgentID,
	})
}

// handleListExecutions handles GET /executions (no auth).
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := s.execs.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// handleS3Token handles POST /executions/{executionID}/s3-token.
func (s *Server) handleS3Token(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	rec, err := s.execs.Get(r.Context(), executionID)
	if err != nil {
		s.writeExecutionError(w, executionID, err)
		return
	}

	creds, err := s.creds.Issue(r.Context(), rec)
	if err != nil {
		if errors.Is(err, credentials.ErrExecutionCompleted) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to issue credentials", "execution_id", executionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to issue credentials")
		return
	}

	respondJSON(w, http.StatusOK, newCredentialsResponse(creds))
}

// handleUpdateStatus handles PUT /executions/{executionID}/status.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req UpdateStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		s.writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	status, err := state.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.execs.UpdateStatus(r.Context(), executionID, status, req.Message, req.Details); err != nil {
		s.writeExecutionError(w, executionID, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleComplete handles POST /executions/{executionID}/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	if err := s.execs.Complete(r.Context(), executionID); err != nil {
		s.writeExecutionError(w, executionID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeExecutionError maps engine errors onto status codes.
func (s *Server) writeExecutionError(w http.ResponseWriter, executionID string, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, state.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("execution request failed", "execution_id", executionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
