// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/convpipe/internal/gateway"
	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/types"
)

// Pipeline is the part of the coordinator the HTTP surface drives.
type Pipeline interface {
	Submit(ctx context.Context, msg *types.InboundMessage) (*gateway.Result, error)
	Resume(ctx context.Context, id types.ConversationID) (*gateway.Result, error)
	View(ctx context.Context, id types.ConversationID) (*gateway.Result, error)
	Conversations(ctx context.Context) ([]types.ConversationID, error)
}

// TaskHandler submits message on behalf of a named task bound to key.
type TaskHandler func(ctx context.Context, key types.ChannelKey, message string) (*gateway.Result, error)

// Server is a lightweight HTTP handler for the pipeline and webhook tasks.
type Server struct {
	pipeline Pipeline
	tasks    *state.TaskStore
	handler  TaskHandler
	mux      *http.ServeMux
}

// NewServer creates a Server. tasks and handler may be nil, which disables
// the webhook route.
func NewServer(pipeline Pipeline, tasks *state.TaskStore, handler TaskHandler) *Server {
	s := &Server{
		pipeline: pipeline,
		tasks:    tasks,
		handler:  handler,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /messages", s.handleMessage)
	s.mux.HandleFunc("GET /conversations", s.handleList)
	s.mux.HandleFunc("GET /conversations/{id}", s.handleView)
	s.mux.HandleFunc("POST /conversations/{id}/resume", s.handleResume)
	s.mux.HandleFunc("POST /webhook/{name}", s.handleNamedTask)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// messageRequest is the JSON body for POST /messages.
type messageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// messageResponse carries the assistant reply for the turn.
type messageResponse struct {
	ConversationID types.ConversationID `json:"conversationId"`
	Message        string               `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.pipeline.Submit(r.Context(), &types.InboundMessage{
		Source:         "http",
		ConversationID: types.ConversationID(req.ConversationID),
		Text:           req.Message,
		Key:            req.IdempotencyKey,
	})
	if err != nil {
		s.fail(w, "submit failed", types.ConversationID(req.ConversationID), err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{ConversationID: res.ConversationID, Message: res.Reply})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.pipeline.Conversations(r.Context())
	if err != nil {
		s.fail(w, "list conversations failed", "", err)
		return
	}
	if ids == nil {
		ids = []types.ConversationID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := types.ConversationID(strings.TrimSpace(r.PathValue("id")))
	res, err := s.pipeline.View(r.Context(), id)
	if err != nil {
		s.fail(w, "view failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, res.View)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := types.ConversationID(strings.TrimSpace(r.PathValue("id")))
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}
	res, err := s.pipeline.Resume(r.Context(), id)
	if err != nil {
		s.fail(w, "resume failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{ConversationID: res.ConversationID, Message: res.Reply})
}

// namedTaskRequest is the optional JSON body for POST /webhook/{name}.
type namedTaskRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil || s.handler == nil {
		writeError(w, http.StatusServiceUnavailable, "tasks not configured")
		return
	}

	name := r.PathValue("name")
	task, err := s.tasks.Get(name)
	if errors.Is(err, state.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		slog.Error("load task failed", "task", name, "error", err)
		writeError(w, http.StatusInternalServerError, publicMessage(err))
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	message := task.Message
	// Allow body to override the message
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Message != "" {
		message = body.Message
	}

	res, err := s.handler(r.Context(), task.ChannelKey, message)
	if err != nil {
		slog.Error("webhook task failed", "task", name, "error", err)
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{ConversationID: res.ConversationID, Message: res.Reply})
}

func (s *Server) fail(w http.ResponseWriter, msg string, id types.ConversationID, err error) {
	slog.Error(msg, "conversation_id", string(id), "error", err)
	writeError(w, statusFor(err), publicMessage(err))
}

// statusFor maps failure kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrStateViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal details of server-side failures.
func publicMessage(err error) string {
	if errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrStateViolation) {
		return err.Error()
	}
	return "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
