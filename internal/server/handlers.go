package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/leaderpass/conductor/internal/control"
	"github.com/leaderpass/conductor/internal/wire"
)

// validID matches ULIDs and recipe identifiers. Only alphanumeric, dashes,
// and underscores are allowed.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   len(s.plane.Jobs()),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.plane.Jobs()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "job id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	job, ok := s.plane.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "job id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	res := s.plane.CancelJob(id)
	if !res.OK {
		writeError(w, http.StatusNotFound, res.Message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "job id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	if _, ok := s.plane.Job(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
		return
	}
	res, err := s.plane.RetryJob(id)
	if err != nil {
		writeWireError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"recipes": s.plane.Recipes()})
}

func (s *Server) handleLaunchRecipe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "recipe id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	// An empty body launches with the recipe's defaults alone.
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	res, err := s.plane.LaunchRecipe(id, req.Input, control.LaunchOptions{
		IdempotencyKey: req.IdempotencyKey,
		TimeoutMS:      req.TimeoutMS,
	})
	if err != nil {
		writeWireError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.Dashboard())
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.Preferences())
}

func (s *Server) handlePatchPreferences(w http.ResponseWriter, r *http.Request) {
	var patch control.PreferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	next, err := s.plane.UpdatePreferences(patch)
	if err != nil {
		writeWireError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID != "" && !validID.MatchString(jobID) {
		writeError(w, http.StatusBadRequest, "job_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	WriteSSE(w, r, s.plane.Events(), jobID)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeWireError maps the error taxonomy onto HTTP statuses: caller
// mistakes are 400s, transient conditions 503s, everything else a 500.
func writeWireError(w http.ResponseWriter, err error) {
	werr := wire.AsError(err)
	status := http.StatusInternalServerError
	switch werr.Category {
	case wire.CategoryUser:
		status = http.StatusBadRequest
	case wire.CategoryRetryable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ErrorResponse{Error: werr.Message, Details: string(werr.Category)})
}
