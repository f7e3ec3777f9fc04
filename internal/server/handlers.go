package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/internal/downloader"
	"github.com/opd-ai/go-hls-offline/internal/storage"
)

// APIResponse represents a standard API response structure.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SystemStatus represents the current system status.
type SystemStatus struct {
	Status  string                `json:"status"`
	Version string                `json:"version"`
	Uptime  string                `json:"uptime"`
	Queue   downloader.QueueStats `json:"queue"`
	Storage *storage.Accounting   `json:"storage"`
}

// QualityRequest selects a variant for a task awaiting a quality choice.
type QualityRequest struct {
	Label string `json:"label"`
}

// CleanupResult reports what a cleanup run freed.
type CleanupResult struct {
	BytesBefore int64 `json:"bytes_before"`
	BytesAfter  int64 `json:"bytes_after"`
}

// handleHealth returns 200 OK if the server is running and storage is readable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.storage.GetAccounting(); err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "Storage unavailable", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Server is healthy",
	})
}

// handleAPIStatus returns queue statistics and storage accounting.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	acc, err := s.storage.GetAccounting()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read storage accounting", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data: SystemStatus{
			Status:  "running",
			Version: Version,
			Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
			Queue:   s.downloads.GetQueueStats(),
			Storage: acc,
		},
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    s.downloads.Tasks(),
	})
}

// handleEnqueue adds an acquisition request to the queue.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req downloader.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	task, err := s.downloads.Enqueue(req)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Failed to enqueue request", err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    task,
		Message: "Request queued",
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.downloads.Task(chi.URLParam(r, "id"))
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "Task not found", nil)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: task})
}

// handleCancelTask cancels a queued or running task.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.downloads.Cancel(chi.URLParam(r, "id")); err != nil {
		s.writeTaskError(w, "Failed to cancel task", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Task cancelled",
	})
}

// handleSelectQuality resumes a task parked on a master playlist.
func (s *Server) handleSelectQuality(w http.ResponseWriter, r *http.Request) {
	var req QualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Label == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "A quality label is required", err)
		return
	}

	task, err := s.downloads.SelectQuality(chi.URLParam(r, "id"), req.Label)
	if err != nil {
		s.writeTaskError(w, "Failed to select quality", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: task})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.downloads.Retry(chi.URLParam(r, "id"))
	if err != nil {
		s.writeTaskError(w, "Failed to retry task", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: task})
}

func (s *Server) handleStorageStatus(w http.ResponseWriter, r *http.Request) {
	acc, err := s.storage.GetAccounting()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read storage accounting", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: acc})
}

// handleStorageCleanup evicts least recently played episodes down to the
// configured threshold.
func (s *Server) handleStorageCleanup(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "Cache management is disabled", nil)
		return
	}

	before, err := s.storage.GetAccounting()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read storage accounting", err)
		return
	}
	if err := s.cache.CleanupCache(); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Cleanup failed", err)
		return
	}
	after, err := s.storage.GetAccounting()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read storage accounting", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    CleanupResult{BytesBefore: before.TotalBytes, BytesAfter: after.TotalBytes},
	})
}

func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	media, err := s.storage.ListMedia()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list media", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: media})
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	episodes, err := s.storage.ListEpisodes(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list episodes", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: episodes})
}

func (s *Server) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	episode, err := s.storage.GetEpisode(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStorageError(w, "Failed to load episode", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: episode})
}

// handleDeleteEpisode removes an episode with its segments, chunks and
// subtitles. Episodes with a running download are refused.
func (s *Server) handleDeleteEpisode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.downloads.IsActiveEpisode(id) {
		s.writeErrorResponse(w, http.StatusConflict, "Episode is being downloaded", nil)
		return
	}
	if _, err := s.storage.GetEpisode(id); err != nil {
		s.writeStorageError(w, "Failed to load episode", err)
		return
	}
	if err := s.storage.DeleteEpisode(id); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete episode", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Episode deleted",
	})
}

// writeJSONResponse writes a JSON response with the given status code.
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response in JSON format.
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := APIResponse{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
		s.logger.Debug("API error", "status", statusCode, "message", message, "error", err)
	}

	s.writeJSONResponse(w, statusCode, response)
}

// writeTaskError maps queue errors onto HTTP status codes. Anything that is
// not a lookup or quality failure is a state conflict.
func (s *Server) writeTaskError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, message, err)
	case errors.Is(err, common.ErrQualityUnavailable):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, message, err)
	default:
		s.writeErrorResponse(w, http.StatusConflict, message, err)
	}
}

func (s *Server) writeStorageError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, common.ErrNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, message, err)
		return
	}
	s.writeErrorResponse(w, http.StatusInternalServerError, message, err)
}
