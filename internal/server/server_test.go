package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/convpipe/internal/gateway"
	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/internal/view"
)

type mockPipeline struct {
	lastMsg    *types.InboundMessage
	lastID     types.ConversationID
	reply      string
	err        error
	convs      []types.ConversationID
	resumeErrs map[types.ConversationID]error
}

func (m *mockPipeline) Submit(_ context.Context, msg *types.InboundMessage) (*gateway.Result, error) {
	m.lastMsg = msg
	if m.err != nil {
		return nil, m.err
	}
	id := msg.ConversationID
	if id == "" {
		id = "minted"
	}
	return &gateway.Result{ConversationID: id, Reply: m.reply}, nil
}

func (m *mockPipeline) Resume(_ context.Context, id types.ConversationID) (*gateway.Result, error) {
	m.lastID = id
	if err := m.resumeErrs[id]; err != nil {
		return nil, err
	}
	return &gateway.Result{ConversationID: id, Reply: m.reply}, nil
}

func (m *mockPipeline) View(_ context.Context, id types.ConversationID) (*gateway.Result, error) {
	m.lastID = id
	return &gateway.Result{ConversationID: id, View: &view.Conversation{
		ConversationID: id,
		State:          "empty",
		Entries:        []view.Entry{},
	}}, nil
}

func (m *mockPipeline) Conversations(context.Context) ([]types.ConversationID, error) {
	return m.convs, nil
}

type taskCall struct {
	key     types.ChannelKey
	message string
}

func setupServer(t *testing.T, p *mockPipeline, tasks ...*state.Task) (*Server, *taskCall) {
	t.Helper()
	store := state.NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
	for _, task := range tasks {
		if err := store.Add(task); err != nil {
			t.Fatal(err)
		}
	}
	call := &taskCall{}
	handler := func(ctx context.Context, key types.ChannelKey, message string) (*gateway.Result, error) {
		call.key = key
		call.message = message
		return &gateway.Result{ConversationID: "task-conv", Reply: "task reply"}, nil
	}
	return NewServer(p, store, handler), call
}

func do(t *testing.T, srv http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, &mockPipeline{})
	w, resp := do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestPostMessage(t *testing.T) {
	p := &mockPipeline{reply: "Your balance is $1000."}
	srv, _ := setupServer(t, p)

	w, resp := do(t, srv, http.MethodPost, "/messages",
		`{"message":"What's my balance?","conversationId":"conv-1","idempotencyKey":"k1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["conversationId"] != "conv-1" || resp["message"] != "Your balance is $1000." {
		t.Errorf("unexpected response: %v", resp)
	}
	if p.lastMsg.Key != "k1" || p.lastMsg.Source != "http" {
		t.Errorf("unexpected inbound message: %+v", p.lastMsg)
	}
}

func TestPostMessageNewConversation(t *testing.T) {
	srv, _ := setupServer(t, &mockPipeline{reply: "hi"})
	w, resp := do(t, srv, http.MethodPost, "/messages", `{"message":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if resp["conversationId"] != "minted" {
		t.Errorf("expected minted id, got %v", resp["conversationId"])
	}
}

func TestPostMessageBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing message", `{"conversationId":"c"}`},
		{"blank message", `{"message":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPipeline{}
			srv, _ := setupServer(t, p)
			w, resp := do(t, srv, http.MethodPost, "/messages", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", w.Code)
			}
			if resp["error"] == nil {
				t.Error("expected error field")
			}
			if p.lastMsg != nil {
				t.Error("pipeline must not be called")
			}
		})
	}
}

func TestPostMessageErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", fmt.Errorf("%w: bad", types.ErrValidation), http.StatusBadRequest},
		{"state violation", &types.StageError{Stage: "ingest", Err: fmt.Errorf("%w: pending", types.ErrStateViolation)}, http.StatusConflict},
		{"collaborator", &types.StageError{Stage: "infer", Err: types.ErrCollaboratorUnavailable}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupServer(t, &mockPipeline{err: tt.err})
			w, resp := do(t, srv, http.MethodPost, "/messages", `{"message":"hi"}`)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			if tt.status == http.StatusInternalServerError && resp["error"] != "internal server error" {
				t.Errorf("expected generic error, got %v", resp["error"])
			}
		})
	}
}

func TestListConversations(t *testing.T) {
	srv, _ := setupServer(t, &mockPipeline{})
	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", w.Body.String())
	}
}

func TestViewConversation(t *testing.T) {
	p := &mockPipeline{}
	srv, _ := setupServer(t, p)
	w, resp := do(t, srv, http.MethodGet, "/conversations/conv-9", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if p.lastID != "conv-9" || resp["conversationId"] != "conv-9" {
		t.Errorf("unexpected view response: %v", resp)
	}
	if msgs, ok := resp["messages"].([]any); !ok || len(msgs) != 0 {
		t.Errorf("expected empty messages array, got %v", resp["messages"])
	}
}

func TestResumeConversation(t *testing.T) {
	p := &mockPipeline{reply: "done"}
	srv, _ := setupServer(t, p)

	w, resp := do(t, srv, http.MethodPost, "/conversations/conv-1/resume", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if resp["message"] != "done" {
		t.Errorf("unexpected response: %v", resp)
	}

	w, _ = do(t, srv, http.MethodPost, "/conversations/%20/resume", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for blank id, got %d", w.Code)
	}
}

func TestWebhookNamedTask(t *testing.T) {
	srv, call := setupServer(t, &mockPipeline{}, &state.Task{
		Name:       "daily",
		Message:    "summarize my spending",
		ChannelKey: "telegram:1:1",
		Enabled:    true,
	})

	w, resp := do(t, srv, http.MethodPost, "/webhook/daily", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if call.key != "telegram:1:1" || call.message != "summarize my spending" {
		t.Errorf("unexpected task call: %+v", call)
	}
	if resp["message"] != "task reply" {
		t.Errorf("unexpected response: %v", resp)
	}

	do(t, srv, http.MethodPost, "/webhook/daily", `{"message":"override"}`)
	if call.message != "override" {
		t.Errorf("expected body to override message, got %q", call.message)
	}
}

func TestWebhookNamedTaskNotFoundOrDisabled(t *testing.T) {
	srv, _ := setupServer(t, &mockPipeline{}, &state.Task{
		Name:       "off",
		Message:    "x",
		ChannelKey: "telegram:1:1",
		Enabled:    false,
	})

	if w, _ := do(t, srv, http.MethodPost, "/webhook/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if w, _ := do(t, srv, http.MethodPost, "/webhook/off", ""); w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", w.Code)
	}
}
