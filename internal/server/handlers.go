package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/boardbuilder/internal/ingest"
	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := s.ingest.Ingest(r.Context(), req)
	if err != nil {
		code := statusFromError(err)
		if code == http.StatusInternalServerError {
			slog.Error("Ingest failed", logfields.DeploymentID(req.ID), logfields.Error(err))
			s.writeError(w, code, "persistence failure")
			return
		}
		s.writeError(w, code, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// statusResponse is the job status wire form.
type statusResponse struct {
	JobID         string     `json:"jobId"`
	Status        string     `json:"status"`
	Progress      int        `json:"progress"`
	Message       string     `json:"message,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	QueuePosition *int       `json:"queuePosition,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		s.writeError(w, http.StatusBadRequest, "jobId query parameter is required")
		return
	}

	job, err := s.queue.Status(r.Context(), jobID)
	if err != nil {
		s.writeError(w, statusFromError(err), fmt.Sprintf("job %s not found", jobID))
		return
	}

	resp := statusResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		Message:      lastLogLine(job.Logs),
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
	}
	if job.Status == store.JobQueued {
		if pos, posErr := s.queue.QueuePosition(r.Context(), jobID); posErr == nil {
			resp.QueuePosition = &pos
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	artifact, err := s.store.GetArtifact(r.Context(), artifactID)
	if err != nil {
		s.writeError(w, statusFromError(err), "artifact not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Payload)
}

// artifactSummary omits the payload; downloads go through the artifact
// endpoint.
type artifactSummary struct {
	ArtifactID    string    `json:"artifactId"`
	FileName      string    `json:"fileName"`
	FilePath      string    `json:"filePath"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, statusFromError(err), fmt.Sprintf("job %s not found", jobID))
		return
	}
	artifacts, err := s.store.ListArtifacts(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "artifact listing failed")
		return
	}

	out := make([]artifactSummary, len(artifacts))
	for i, a := range artifacts {
		out[i] = artifactSummary{
			ArtifactID:    a.ID,
			FileName:      a.FileName,
			FilePath:      a.FilePath,
			FileSizeBytes: a.FileSizeBytes,
			CreatedAt:     a.CreatedAt,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// lastLogLine returns the most recent log line, trimmed of its timestamp
// prefix, for the status message field.
func lastLogLine(logs string) string {
	trimmed := strings.TrimRight(logs, "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	last := lines[len(lines)-1]
	if idx := strings.Index(last, "] "); idx >= 0 && strings.HasPrefix(last, "[") {
		return last[idx+2:]
	}
	return last
}
