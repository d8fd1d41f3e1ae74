package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"deepchat-go/internal/config"
	"deepchat-go/internal/event"
	"deepchat-go/internal/model"
	"deepchat-go/internal/repository"
	"deepchat-go/internal/service"
	"deepchat-go/internal/tools"
	"deepchat-go/pkg/database"
	"deepchat-go/pkg/imagehost"
	"deepchat-go/pkg/llm"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeLLM struct {
	deltas []string
	err    error
	// started, when set, is closed on the call and the stream then blocks until ctx is done.
	started chan struct{}
}

func (f *fakeLLM) StreamChat(ctx context.Context, _ llm.ChatRequest, w llm.DeltaWriter) (*llm.StepResult, error) {
	if f.started != nil {
		close(f.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	for _, d := range f.deltas {
		if err := w.WriteDelta(d); err != nil {
			return nil, err
		}
	}
	return &llm.StepResult{Content: strings.Join(f.deltas, ""), FinishReason: "stop"}, nil
}

type countingHost struct{ calls int }

func (h *countingHost) Name() string { return "counting" }

func (h *countingHost) Upload(context.Context, imagehost.Image) (*imagehost.Result, error) {
	h.calls++
	return &imagehost.Result{URL: "https://img.example/a.png", ThumbnailURL: "https://img.example/a_t.png"}, nil
}

type testServer struct {
	router *gin.Engine
	llm    *fakeLLM
	host   *countingHost
	bus    *event.MemoryBus
	events *EventsHandler
	feed   *service.SidebarFeed
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:h_%s?mode=memory&cache=shared&_foreign_keys=on", name), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := repository.NewConversationRepository(db)
	bus := event.NewMemoryBus()
	t.Cleanup(bus.Close)
	tracker := event.NewTracker()
	fake := &fakeLLM{deltas: []string{"General ", "Kenobi!"}}
	host := &countingHost{}

	convs := service.NewConversationService(repo, tracker)
	chat := service.NewChatService(config.LLMConfig{}, fake, repo, tools.Default(), bus, tracker)
	uploads := service.NewUploadService(host, 5*1024*1024)
	events := NewEventsHandler()
	feed := service.NewSidebarFeed(convs, bus, events)
	events.SetFeed(feed)

	router := NewRouter(Handlers{
		Conversation: NewConversationHandler(convs),
		Chat:         NewChatHandler(convs, chat),
		Upload:       NewUploadHandler(uploads),
		Events:       events,
		Health:       NewHealthHandler(db, nil),
	})
	return &testServer{router: router, llm: fake, host: host, bus: bus, events: events, feed: feed}
}

func (s *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

type conversationDetail struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []messageView      `json:"messages"`
}

func TestCreateConversationWithoutBody(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/conversations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Conversation model.Conversation `json:"conversation"`
	}
	decode(t, w, &resp)
	if resp.Conversation.ID == "" || resp.Conversation.Title != "New Conversation" {
		t.Errorf("conversation = %+v", resp.Conversation)
	}

	w = s.do(t, http.MethodPost, "/api/conversations", `{"id":"mine"}`)
	decode(t, w, &resp)
	if resp.Conversation.ID != "mine" {
		t.Errorf("explicit id ignored: %+v", resp.Conversation)
	}

	w = s.do(t, http.MethodGet, "/api/conversations", "")
	var list struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	decode(t, w, &list)
	if len(list.Conversations) != 2 || list.Conversations[0].ID != "mine" {
		t.Errorf("list = %+v", list.Conversations)
	}
}

func TestAgentTurnDeleteThenNotFound(t *testing.T) {
	s := newTestServer(t)
	body := `{"id":"c1","messages":[{"role":"user","content":"Hello there, this is a long message exceeding thirty chars"}]}`

	w := s.do(t, http.MethodPost, "/api/agent", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}
	stream := w.Body.String()
	for _, want := range []string{"event:text", `"text":"General "`, `"text":"Kenobi!"`, "event:finish"} {
		if !strings.Contains(stream, want) {
			t.Errorf("stream missing %q:\n%s", want, stream)
		}
	}
	if strings.Index(stream, "event:finish") < strings.LastIndex(stream, "event:text") {
		t.Error("finish must be the last event")
	}

	w = s.do(t, http.MethodGet, "/api/conversations/c1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var detail conversationDetail
	decode(t, w, &detail)
	if detail.Conversation.Title != "Hello there, this is a long me…" {
		t.Errorf("title = %q", detail.Conversation.Title)
	}
	if len(detail.Messages) != 2 ||
		detail.Messages[0].Role != model.RoleUser ||
		detail.Messages[1].Role != model.RoleAssistant ||
		detail.Messages[1].Content != "General Kenobi!" {
		t.Fatalf("messages = %+v", detail.Messages)
	}

	w = s.do(t, http.MethodDelete, "/api/conversations/c1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"success":true`) {
		t.Fatalf("delete = %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodGet, "/api/conversations/c1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "c1") {
		t.Errorf("error body leaks detail: %s", w.Body.String())
	}
}

func TestAgentRejectsInvalidRequests(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"id":`},
		{"unknown role", `{"id":"c1","messages":[{"role":"robot","content":"x"}]}`},
		{"missing id", `{"messages":[{"role":"user","content":"x"}]}`},
		{"no messages", `{"id":"c1","messages":[]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/agent", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestAgentProviderFailure(t *testing.T) {
	s := newTestServer(t)
	s.llm.err = fmt.Errorf("%w: 503 upstream overloaded", llm.ErrProvider)

	w := s.do(t, http.MethodPost, "/api/agent", `{"id":"c1","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["error"] != agentFailureMessage {
		t.Errorf("error body = %v", resp)
	}

	w = s.do(t, http.MethodGet, "/api/conversations/c1", "")
	var detail conversationDetail
	decode(t, w, &detail)
	if len(detail.Messages) != 1 || detail.Messages[0].Role != model.RoleUser {
		t.Errorf("failed turn must keep only the user message: %+v", detail.Messages)
	}
}

func TestStopWithoutGeneration(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/agent/none/stop", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"stopped":0`) {
		t.Errorf("stop = %d %s", w.Code, w.Body.String())
	}
}

func TestStopBeforeFirstChunk(t *testing.T) {
	s := newTestServer(t)
	s.llm.started = make(chan struct{})

	result := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/agent", strings.NewReader(`{"id":"c1","messages":[{"role":"user","content":"hi"}]}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		result <- w
	}()

	select {
	case <-s.llm.started:
	case <-time.After(time.Second):
		t.Fatal("provider was not called")
	}
	stop := s.do(t, http.MethodPost, "/api/agent/c1/stop", "")
	if !strings.Contains(stop.Body.String(), `"stopped":1`) {
		t.Fatalf("stop = %s", stop.Body.String())
	}

	var w *httptest.ResponseRecorder
	select {
	case w = <-result:
	case <-time.After(time.Second):
		t.Fatal("agent request did not finish after stop")
	}
	if w.Code != statusClientClosedRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["error"] != agentStoppedMessage {
		t.Errorf("error body = %v", resp)
	}
}

func multipartImage(t *testing.T, contentType string, size int) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="big.png"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(bytes.Repeat([]byte("a"), size)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}

func TestUploadRejectsOversizedImageBeforeHostCall(t *testing.T) {
	s := newTestServer(t)

	body, ct := multipartImage(t, "image/png", 6*1024*1024)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if s.host.calls != 0 {
		t.Errorf("image host called %d times", s.host.calls)
	}
}

func TestUpload(t *testing.T) {
	s := newTestServer(t)

	body, ct := multipartImage(t, "image/png", 1024)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Success      bool   `json:"success"`
		ImageURL     string `json:"imageUrl"`
		ThumbnailURL string `json:"thumbnailUrl"`
	}
	decode(t, w, &resp)
	if !resp.Success || resp.ImageURL != "https://img.example/a.png" || resp.ThumbnailURL == "" {
		t.Errorf("resp = %+v", resp)
	}

	body, ct = multipartImage(t, "text/plain", 10)
	req = httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-image status = %d", w.Code)
	}
	if s.host.calls != 1 {
		t.Errorf("host calls = %d, want 1", s.host.calls)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestEventsFeed(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.feed.Run(ctx)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() service.SidebarUpdate {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var u service.SidebarUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return u
	}

	if snap := read(); snap.Type != "conversations" || snap.Event != nil || len(snap.Conversations) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	w := s.do(t, http.MethodPost, "/api/agent", `{"id":"c9","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("agent status = %d", w.Code)
	}

	update := read()
	if update.Event == nil || update.Event.Kind != event.KindConversationCreated || update.Event.ConversationID != "c9" {
		t.Fatalf("update = %+v", update)
	}
	if len(update.Conversations) != 1 || update.Conversations[0].Title != "hi" {
		t.Errorf("conversations = %+v", update.Conversations)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", model.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", model.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", model.ErrUpstream), http.StatusInternalServerError},
		{fmt.Errorf("x: %w", model.ErrPersistence), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
