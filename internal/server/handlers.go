// File: internal/server/handlers.go
package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/xkilldash9x/stagehand/api/schemas"
	"github.com/xkilldash9x/stagehand/internal/actions"
	"github.com/xkilldash9x/stagehand/internal/artifact"
)

// handleJobs validates the payload and runs the browser job synchronously.
// The response status mirrors the normalized job status.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body", nil)
		return
	}

	req, err := actions.Validate(body, s.valOpts)
	if err != nil {
		var fe *actions.FieldError
		if errors.As(err, &fe) {
			s.writeError(w, http.StatusBadRequest, fe.Error(), map[string]string{"field": fe.Path})
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	res := s.runner.Run(r.Context(), req)
	status := http.StatusOK
	if !res.OK {
		status = res.StatusCode
	}
	s.writeJSON(w, status, res)
}

// handleRender decodes the render payload and runs it through the single
// render slot.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body", nil)
		return
	}

	var req schemas.RenderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error(), nil)
		return
	}

	res := s.render.Render(r.Context(), &req)
	status := http.StatusOK
	if !res.OK {
		status = res.StatusCode
	}
	s.writeJSON(w, status, res)
}

// handleArtifact serves one artifact file from a job's output directory.
// Both path segments are caller controlled, so the job id shape and root
// containment are enforced before touching the filesystem.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !artifact.ValidJobID(jobID) {
		s.writeError(w, http.StatusNotFound, "unknown artifact", nil)
		return
	}

	filename, err := url.PathUnescape(chi.URLParam(r, "filename"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown artifact", nil)
		return
	}

	path, err := artifact.ResolveUnder(s.outputRoot, jobID, filename)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown artifact", nil)
		return
	}

	http.ServeFile(w, r, path)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
