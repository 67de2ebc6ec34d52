package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/cloudflyer/internal/engine"
	"github.com/seantiz/cloudflyer/internal/model"
	"github.com/seantiz/cloudflyer/internal/store"
)

// createTaskRequest is the JSON body for POST /createTask.
type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	model.Request
}

type createTaskResponse struct {
	TaskID string `json:"taskId"`
}

// getTaskResultRequest is the JSON body for POST /getTaskResult.
type getTaskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

// taskResultResponse carries the result only once the task is terminal.
type taskResultResponse struct {
	Status model.Status  `json:"status"`
	Result *model.Result `json:"result,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.authorized(req.ClientKey) {
		s.forbidden(w, r)
		return
	}

	task, err := s.engine.Submit(r.Context(), req.Request)
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Fields: verr.Fields})
		return
	case errors.Is(err, engine.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	case err != nil:
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	s.writeJSON(w, http.StatusOK, createTaskResponse{TaskID: task.ID})
}

func (s *Server) handleGetTaskResult(w http.ResponseWriter, r *http.Request) {
	var req getTaskResultRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.authorized(req.ClientKey) {
		s.forbidden(w, r)
		return
	}
	if !model.ValidID(req.TaskID) {
		s.writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	task, err := s.store.Get(r.Context(), req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "task_id", req.TaskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	resp := taskResultResponse{Status: task.Status}
	if task.Status.Terminal() {
		resp.Result = task.Result
	}
	s.writeJSON(w, http.StatusOK, resp)
}
