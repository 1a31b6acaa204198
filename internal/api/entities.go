package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/txexec/internal/engine"
	"github.com/seantiz/txexec/internal/model"
	"github.com/seantiz/txexec/internal/persistence"
)

const maxBodySize = 1 << 20 // 1 MB

// entityResponse is the JSON form of a stored entity.
type entityResponse struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// taskAccepted is returned for writes that were not waited on.
type taskAccepted struct {
	TaskID string           `json:"task_id"`
	Name   string           `json:"name"`
	Status model.WorkStatus `json:"status"`
}

func newEntityResponse(e *model.Entity) entityResponse {
	return entityResponse{Kind: e.Kind, ID: e.ID, Body: e.Body, Version: e.Version, UpdatedAt: e.UpdatedAt}
}

// Reads always wait for their task.
func (s *Server) handleFindEntity(w http.ResponseWriter, r *http.Request) {
	op := engine.FindEntity(chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	s.runEntityOp(w, r, op, true, http.StatusOK)
}

func (s *Server) handlePersistEntity(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	op := engine.PersistEntity(chi.URLParam(r, "kind"), chi.URLParam(r, "id"), body)
	s.runEntityOp(w, r, op, parseBoolQuery(r, "wait"), http.StatusCreated)
}

func (s *Server) handleMergeEntity(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	op := engine.MergeEntity(chi.URLParam(r, "kind"), chi.URLParam(r, "id"), body)
	s.runEntityOp(w, r, op, parseBoolQuery(r, "wait"), http.StatusOK)
}

func (s *Server) handleRemoveEntity(w http.ResponseWriter, r *http.Request) {
	op := engine.RemoveEntity(chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	s.runEntityOp(w, r, op, parseBoolQuery(r, "wait"), http.StatusNoContent)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if !json.Valid(data) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return data, true
}

// runEntityOp executes op. Without wait it answers 202 with the task id;
// with wait it blocks until the task is terminal and maps the outcome to a
// status code.
func (s *Server) runEntityOp(w http.ResponseWriter, r *http.Request, op *engine.EntityOp, wait bool, okStatus int) {
	x, err := s.container.Execute(op.Name(), op)
	if err != nil {
		s.logger.Error("execute entity operation", "op", op.Name(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start task")
		return
	}

	if !wait {
		w.Header().Set("Location", "/v1/tasks/"+x.ID())
		s.writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: x.ID(), Name: x.Name(), Status: x.Status()})
		return
	}

	if err := x.Wait(r.Context()); err != nil {
		s.writeError(w, http.StatusGatewayTimeout, "task did not finish in time")
		return
	}

	entity, reason := op.Result()
	if x.Status() == model.StatusFinished {
		if okStatus == http.StatusNoContent || entity == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeJSON(w, okStatus, newEntityResponse(entity))
		return
	}

	switch {
	case errors.Is(reason, persistence.ErrEntityNotFound):
		s.writeError(w, http.StatusNotFound, "entity not found")
	case errors.Is(reason, persistence.ErrEntityExists):
		s.writeError(w, http.StatusConflict, "entity already exists")
	case errors.Is(reason, persistence.ErrInvalidKey):
		s.writeError(w, http.StatusBadRequest, reason.Error())
	case x.Err() != nil:
		s.writeError(w, http.StatusInternalServerError, x.Err().Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "task failed")
	}
}
