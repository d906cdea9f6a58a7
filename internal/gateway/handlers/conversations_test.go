package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"cadence/internal/coordinator"
	"cadence/internal/storage"
	"cadence/internal/stream"
	"cadence/internal/turn"
)

type fakeTurns struct {
	mu        sync.Mutex
	updates   []coordinator.Update
	sendErr   error
	gotPrompt string
	gotOpts   coordinator.TurnOptions
	cancelled []string
	cancelErr error
	resetErr  error
	agentMode map[string]bool
	messages  []storage.Message
	closed    []string
	closeErr  error
}

func newFakeTurns() *fakeTurns {
	return &fakeTurns{agentMode: make(map[string]bool)}
}

func (f *fakeTurns) SendTurn(_ context.Context, conv, prompt string, opts coordinator.TurnOptions) (<-chan coordinator.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.gotPrompt = prompt
	f.gotOpts = opts
	ch := make(chan coordinator.Update, len(f.updates))
	for _, u := range f.updates {
		u.ConversationID = conv
		ch <- u
	}
	close(ch)
	return ch, nil
}

func (f *fakeTurns) CancelActiveTurn(conv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, conv)
	return nil
}

func (f *fakeTurns) ResetContext(context.Context, string) error { return f.resetErr }

func (f *fakeTurns) SetAgentMode(_ context.Context, conv string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentMode[conv] = on
	return nil
}

func (f *fakeTurns) AgentMode(conv string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agentMode[conv]
}

func (f *fakeTurns) Messages(context.Context, string) ([]storage.Message, error) {
	return f.messages, nil
}

func (f *fakeTurns) Title(string) string { return "greeting" }
func (f *fakeTurns) Active(string) bool  { return false }

func (f *fakeTurns) Close(_ context.Context, conv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, conv)
	return nil
}

type fakeStore struct {
	convs   []*storage.Conversation
	deleted []string
	err     error
}

func (s *fakeStore) List(_ context.Context, limit, offset int) ([]*storage.Conversation, error) {
	if s.err != nil {
		return nil, s.err
	}
	if offset >= len(s.convs) {
		return nil, nil
	}
	end := min(offset+limit, len(s.convs))
	return s.convs[offset:end], nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, id)
	return nil
}

func newRouter(turns TurnService, store ConversationStore) *mux.Router {
	r := mux.NewRouter()
	NewConversationHandler(turns, store).RegisterRoutes(r.PathPrefix("/api/v1").Subrouter())
	return r
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v (body %q)", err, w.Body.String())
	}
	return resp.Error.Code
}

func TestSendTurn_StreamsUpdates(t *testing.T) {
	turns := newFakeTurns()
	turns.updates = []coordinator.Update{
		{Type: coordinator.UpdatePreview, Preview: &stream.Preview{Segments: stream.Segments{Answer: "Hel"}}},
		{Type: coordinator.UpdateResult, Result: &turn.Result{Segments: stream.Segments{Answer: "Hello"}}, MessageID: "m1"},
	}
	r := newRouter(turns, nil)

	w := serve(r, http.MethodPost, "/api/v1/conversations/c1/turns",
		`{"prompt":"hi","document_context":"doc","params":{"max_tokens":64}}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %s", ct)
	}
	if turns.gotPrompt != "hi" || turns.gotOpts.DocumentContext != "doc" || turns.gotOpts.Params.MaxTokens != 64 {
		t.Errorf("request not forwarded: prompt=%q opts=%+v", turns.gotPrompt, turns.gotOpts)
	}

	var got []coordinator.Update
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var u coordinator.Update
		if err := json.Unmarshal(sc.Bytes(), &u); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		got = append(got, u)
	}
	if len(got) != 2 {
		t.Fatalf("got %d updates, want 2", len(got))
	}
	if got[0].Type != coordinator.UpdatePreview || got[0].Preview.Answer != "Hel" {
		t.Errorf("unexpected first update %+v", got[0])
	}
	if got[1].Type != coordinator.UpdateResult || got[1].MessageID != "m1" || got[1].ConversationID != "c1" {
		t.Errorf("unexpected terminal update %+v", got[1])
	}
}

func TestSendTurn_Errors(t *testing.T) {
	tests := []struct {
		name     string
		sendErr  error
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "bad body", body: `{"prompt":`, wantCode: http.StatusBadRequest, wantErr: ErrCodeInvalidRequest},
		{name: "unknown field", body: `{"text":"hi"}`, wantCode: http.StatusBadRequest, wantErr: ErrCodeInvalidRequest},
		{name: "empty prompt", sendErr: coordinator.ErrEmptyPrompt, body: `{}`, wantCode: http.StatusBadRequest, wantErr: ErrCodeInvalidRequest},
		{name: "in progress", sendErr: coordinator.ErrTurnInProgress, body: `{"prompt":"hi"}`, wantCode: http.StatusConflict, wantErr: ErrCodeConflict},
		{name: "shut down", sendErr: coordinator.ErrShutdown, body: `{"prompt":"hi"}`, wantCode: http.StatusServiceUnavailable, wantErr: ErrCodeServiceUnavailable},
		{name: "load failure", sendErr: errors.New("disk gone"), body: `{"prompt":"hi"}`, wantCode: http.StatusInternalServerError, wantErr: ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turns := newFakeTurns()
			turns.sendErr = tt.sendErr
			w := serve(newRouter(turns, nil), http.MethodPost, "/api/v1/conversations/c1/turns", tt.body)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if code := errorCode(t, w); code != tt.wantErr {
				t.Errorf("code = %s, want %s", code, tt.wantErr)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	turns := newFakeTurns()
	r := newRouter(turns, nil)

	if w := serve(r, http.MethodPost, "/api/v1/conversations/c1/cancel", ""); w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if len(turns.cancelled) != 1 || turns.cancelled[0] != "c1" {
		t.Errorf("cancelled = %v", turns.cancelled)
	}

	turns.cancelErr = coordinator.ErrNoActiveTurn
	w := serve(r, http.MethodPost, "/api/v1/conversations/c1/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestReset(t *testing.T) {
	turns := newFakeTurns()
	r := newRouter(turns, nil)

	if w := serve(r, http.MethodPost, "/api/v1/conversations/c1/reset", ""); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}

	turns.resetErr = coordinator.ErrTurnInProgress
	if w := serve(r, http.MethodPost, "/api/v1/conversations/c1/reset", ""); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestSetAgentMode(t *testing.T) {
	turns := newFakeTurns()
	r := newRouter(turns, nil)

	w := serve(r, http.MethodPut, "/api/v1/conversations/c1/agent-mode", `{"enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp AgentModeRequest
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !resp.Enabled || !turns.AgentMode("c1") {
		t.Error("agent mode was not enabled")
	}

	if w := serve(r, http.MethodGet, "/api/v1/conversations/c1/agent-mode", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestMessages(t *testing.T) {
	turns := newFakeTurns()
	r := newRouter(turns, nil)

	w := serve(r, http.MethodGet, "/api/v1/conversations/c1/messages", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"messages":[]`) {
		t.Errorf("empty conversation should list [] messages, got %s", w.Body.String())
	}

	turns.messages = []storage.Message{storage.NewMessage("user", "hi")}
	w = serve(r, http.MethodGet, "/api/v1/conversations/c1/messages", "")
	var resp MessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if resp.ID != "c1" || resp.Title != "greeting" || len(resp.Messages) != 1 || resp.Messages[0].Content != "hi" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestListAndDelete(t *testing.T) {
	store := &fakeStore{convs: []*storage.Conversation{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	turns := newFakeTurns()
	r := newRouter(turns, store)

	w := serve(r, http.MethodGet, "/api/v1/conversations?limit=2&offset=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Conversations []storage.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(resp.Conversations) != 2 || resp.Conversations[0].ID != "b" {
		t.Errorf("unexpected page %+v", resp.Conversations)
	}

	if w := serve(r, http.MethodGet, "/api/v1/conversations?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}

	if w := serve(r, http.MethodDelete, "/api/v1/conversations/b", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	if len(turns.closed) != 1 || len(store.deleted) != 1 || store.deleted[0] != "b" {
		t.Errorf("closed = %v, deleted = %v", turns.closed, store.deleted)
	}

	turns.closeErr = coordinator.ErrTurnInProgress
	if w := serve(r, http.MethodDelete, "/api/v1/conversations/c", ""); w.Code != http.StatusConflict {
		t.Errorf("delete active status = %d, want 409", w.Code)
	}

	turns.closeErr = nil
	store.err = storage.ErrNotFound
	if w := serve(r, http.MethodDelete, "/api/v1/conversations/zz", ""); w.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", w.Code)
	}
}

func TestListWithoutStore(t *testing.T) {
	w := serve(newRouter(newFakeTurns(), nil), http.MethodGet, "/api/v1/conversations", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
