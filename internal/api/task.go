package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashdyer/kiln/internal/model"
	"github.com/ashdyer/kiln/internal/queue"
	"github.com/ashdyer/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitTaskRequest is the JSON body for POST /v1/tasks.
type submitTaskRequest struct {
	FunctionName string         `json:"function_name"`
	QualityTier  string         `json:"quality_tier"`
	Parameters   map[string]any `json:"parameters"`
	Priority     int            `json:"priority"`
	TimeoutS     *int           `json:"timeout_s"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// cancelResponse is the acknowledgement for DELETE /v1/tasks/{id}.
type cancelResponse struct {
	TaskID string `json:"task_id"`
	Ack    string `json:"ack"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t := &model.Task{
		FunctionName: req.FunctionName,
		QualityTier:  req.QualityTier,
		Parameters:   req.Parameters,
		Priority:     req.Priority,
		TimeoutS:     req.TimeoutS,
	}

	if err := s.pool.Submit(r.Context(), t); err != nil {
		switch model.KindOf(err) {
		case model.KindQueueFull:
			s.writeTaskError(w, http.StatusTooManyRequests, err)
		case model.KindValidation:
			s.writeTaskError(w, http.StatusBadRequest, err)
		default:
			s.logger.Error("submit task", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ack, err := s.pool.Cancel(r.Context(), id)
	if err != nil {
		s.logger.Error("cancel task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	status := http.StatusOK
	if ack == queue.CancelNotFound {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, cancelResponse{TaskID: id, Ack: ack})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeTaskError writes a classified error with its structured kind, so
// callers can distinguish bad input from transient conditions.
func (s *Server) writeTaskError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(model.KindOf(err)),
	})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
