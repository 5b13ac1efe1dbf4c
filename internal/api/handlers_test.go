package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"boostchat/internal/chat"
	"boostchat/internal/config"
	"boostchat/internal/dispatch"
	"boostchat/internal/livechat"
	"boostchat/internal/models"
	"boostchat/internal/presence"
	"boostchat/internal/storage"
	"boostchat/internal/store"
	"boostchat/internal/telemetry"
)

func newTestServer(t *testing.T) (*gin.Engine, *presence.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	registry := presence.NewRegistry(nil, logger)
	metricsReg := prometheus.NewRegistry()
	metrics := telemetry.New(metricsReg)
	dispatcher := dispatch.New(registry, nil, metrics, logger)
	st := store.New(db)
	chatSvc := chat.NewService(st, dispatcher, nil, nil, time.Second, metrics, logger)
	engine := livechat.NewEngine(st, chatSvc, dispatcher, logger)

	handler := NewHandler(chatSvc, engine, registry, dispatcher, 50, metrics, metricsReg, logger)
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, registry
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (body %s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

func asUser(id string, roles ...string) map[string]string {
	h := map[string]string{"X-User-Id": id}
	if len(roles) > 0 {
		h["X-User-Roles"] = roles[0]
	}
	return h
}

func TestConversationFlow(t *testing.T) {
	router, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations",
		map[string]any{"participants": []string{"bob"}}, asUser("alice"))
	assertStatus(t, resp, http.StatusCreated)
	var conv models.Conversation
	decodeJSON(t, resp.Body.Bytes(), &conv)
	if conv.ID <= 0 || len(conv.Participants) != 2 {
		t.Fatalf("conversation malformed: %#v", conv)
	}

	sendPath := fmt.Sprintf("/api/conversations/%d/messages", conv.ID)
	resp = doJSONRequest(t, router, http.MethodPost, sendPath,
		map[string]any{"body": "hello bob"}, asUser("alice"))
	assertStatus(t, resp, http.StatusCreated)
	var msg models.Message
	decodeJSON(t, resp.Body.Bytes(), &msg)
	if msg.ID <= 0 || msg.Sender != "alice" {
		t.Fatalf("message malformed: %#v", msg)
	}

	resp = doJSONRequest(t, router, http.MethodPost, sendPath,
		map[string]any{"body": "hi alice"}, asUser("bob"))
	assertStatus(t, resp, http.StatusCreated)

	// Outsiders are rejected on both read and write.
	resp = doJSONRequest(t, router, http.MethodPost, sendPath,
		map[string]any{"body": "let me in"}, asUser("mallory"))
	assertStatus(t, resp, http.StatusForbidden)
	resp = doJSONRequest(t, router, http.MethodGet, sendPath, nil, asUser("mallory"))
	assertStatus(t, resp, http.StatusForbidden)

	resp = doJSONRequest(t, router, http.MethodGet, sendPath, nil, asUser("bob"))
	assertStatus(t, resp, http.StatusOK)
	var page struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &page)
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %#v", page.Messages)
	}

	// Cursor pagination resumes after the given id.
	resp = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("%s?after_id=%d", sendPath, page.Messages[0].ID), nil, asUser("bob"))
	assertStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp.Body.Bytes(), &page)
	if len(page.Messages) != 1 || page.Messages[0].Sender != "bob" {
		t.Fatalf("cursor page mismatch: %#v", page.Messages)
	}

	// Close, then no further writes.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/conversations/%d/close", conv.ID), nil, asUser("alice"))
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodPost, sendPath,
		map[string]any{"body": "too late"}, asUser("alice"))
	assertStatus(t, resp, http.StatusConflict)
}

func TestConversationNotFound(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/api/conversations/9999/messages", nil, asUser("alice"))
	assertStatus(t, resp, http.StatusNotFound)
}

func TestAuthRequired(t *testing.T) {
	router, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations",
		map[string]any{"participants": []string{"bob"}}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	// Agent routes demand the agent role.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/livechats", nil, asUser("alice"))
	assertStatus(t, resp, http.StatusForbidden)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/livechats", nil, asUser("agent_a", "agent"))
	assertStatus(t, resp, http.StatusOK)
}

func TestLiveChatFlowOverHTTP(t *testing.T) {
	router, _ := newTestServer(t)

	// An anonymous visitor gets a minted guest identity back.
	resp := doJSONRequest(t, router, http.MethodPost, "/api/livechats",
		map[string]any{"subject": "order stuck", "message": "nothing moved for hours"}, nil)
	assertStatus(t, resp, http.StatusCreated)
	var created struct {
		LiveChat models.LiveChat `json:"live_chat"`
		UserID   string          `json:"user_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &created)
	if created.UserID == "" || created.LiveChat.Status != models.LiveChatWaiting {
		t.Fatalf("live chat malformed: %#v", created)
	}
	guest := asUser(created.UserID)

	// The queue shows the waiting chat to agents.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/livechats/queue", nil, asUser("agent_a", "agent"))
	assertStatus(t, resp, http.StatusOK)
	var queue struct {
		LiveChats []models.LiveChat `json:"live_chats"`
	}
	decodeJSON(t, resp.Body.Bytes(), &queue)
	if len(queue.LiveChats) != 1 || queue.LiveChats[0].ID != created.LiveChat.ID {
		t.Fatalf("queue mismatch: %#v", queue.LiveChats)
	}

	assignPath := fmt.Sprintf("/api/livechats/%d/assign", created.LiveChat.ID)
	resp = doJSONRequest(t, router, http.MethodPost, assignPath, nil, asUser("agent_a", "agent"))
	assertStatus(t, resp, http.StatusOK)
	// The second claimant loses the race.
	resp = doJSONRequest(t, router, http.MethodPost, assignPath, nil, asUser("agent_b", "agent"))
	assertStatus(t, resp, http.StatusConflict)

	msgPath := fmt.Sprintf("/api/livechats/%d/messages", created.LiveChat.ID)
	resp = doJSONRequest(t, router, http.MethodPost, msgPath,
		map[string]any{"body": "any update?"}, guest)
	assertStatus(t, resp, http.StatusCreated)
	resp = doJSONRequest(t, router, http.MethodPost, msgPath,
		map[string]any{"body": "checking now"}, asUser("agent_a", "agent"))
	assertStatus(t, resp, http.StatusCreated)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/livechats/mine", nil, guest)
	assertStatus(t, resp, http.StatusOK)
	var mine struct {
		LiveChats []models.LiveChat `json:"live_chats"`
	}
	decodeJSON(t, resp.Body.Bytes(), &mine)
	if len(mine.LiveChats) != 1 {
		t.Fatalf("requester view mismatch: %#v", mine.LiveChats)
	}

	closePath := fmt.Sprintf("/api/livechats/%d/close", created.LiveChat.ID)
	resp = doJSONRequest(t, router, http.MethodPost, closePath, nil, guest)
	assertStatus(t, resp, http.StatusOK)
	var closed models.LiveChat
	decodeJSON(t, resp.Body.Bytes(), &closed)
	if closed.Status != models.LiveChatClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}

	resp = doJSONRequest(t, router, http.MethodPost, msgPath,
		map[string]any{"body": "hello?"}, guest)
	assertStatus(t, resp, http.StatusConflict)
}

func TestLiveChatSubjectRequired(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/livechats",
		map[string]any{"subject": "  "}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestReportsFlow(t *testing.T) {
	router, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/reports",
		map[string]any{"subject": "booster no-show", "order_key": "order-9", "message": "paid two days ago"},
		asUser("alice"))
	assertStatus(t, resp, http.StatusCreated)
	var report models.Report
	decodeJSON(t, resp.Body.Bytes(), &report)
	if report.ID <= 0 || report.ConversationID <= 0 || report.Status != models.ReportOpen {
		t.Fatalf("report malformed: %#v", report)
	}

	// Agents read the full nested view.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/reports", nil, asUser("agent_a", "agent"))
	assertStatus(t, resp, http.StatusOK)
	var agentView struct {
		Reports []models.ReportWithConversation `json:"reports"`
	}
	decodeJSON(t, resp.Body.Bytes(), &agentView)
	if len(agentView.Reports) != 1 {
		t.Fatalf("agent view mismatch: %#v", agentView.Reports)
	}
	nested := agentView.Reports[0]
	if nested.Conversation.ID != report.ConversationID || len(nested.Messages) != 1 {
		t.Fatalf("nested conversation missing: %#v", nested)
	}

	// An agent can reply into the ticket conversation.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/conversations/%d/messages", report.ConversationID),
		map[string]any{"body": "refund issued"}, asUser("agent_a", "agent"))
	assertStatus(t, resp, http.StatusCreated)

	// Reporters only see their own tickets, flat.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/reports", nil, asUser("bob"))
	assertStatus(t, resp, http.StatusOK)
	var flat struct {
		Reports []models.Report `json:"reports"`
	}
	decodeJSON(t, resp.Body.Bytes(), &flat)
	if len(flat.Reports) != 0 {
		t.Fatalf("bob must not see alice's reports: %#v", flat.Reports)
	}

	resolvePath := fmt.Sprintf("/api/reports/%d/resolve", report.ID)
	resp = doJSONRequest(t, router, http.MethodPost, resolvePath, nil, asUser("alice"))
	assertStatus(t, resp, http.StatusForbidden)
	resp = doJSONRequest(t, router, http.MethodPost, resolvePath, nil, asUser("agent_a", "agent"))
	assertStatus(t, resp, http.StatusOK)
}

func TestAssistantConversationOverHTTP(t *testing.T) {
	router, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/assistant/conversations", nil, asUser("alice"))
	assertStatus(t, resp, http.StatusCreated)
	var conv models.Conversation
	decodeJSON(t, resp.Body.Bytes(), &conv)
	if !conv.HasParticipant(models.IdentityAssistant) {
		t.Fatalf("assistant slot missing: %#v", conv.Participants)
	}

	// No completer is configured in tests; the user's turn is still
	// accepted and durable.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/assistant/conversations/%d/messages", conv.ID),
		map[string]any{"body": "how do boosts work"}, asUser("alice"))
	assertStatus(t, resp, http.StatusAccepted)

	resp = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/conversations/%d/messages", conv.ID), nil, asUser("alice"))
	assertStatus(t, resp, http.StatusOK)
}

func TestOnlineUsersEndpoint(t *testing.T) {
	router, registry := newTestServer(t)

	registry.Register("bob", nil, nopHandle{"c1"})
	resp := doJSONRequest(t, router, http.MethodGet, "/api/online-users", nil, asUser("alice"))
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Users []string `json:"users"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Users) != 1 || body.Users[0] != "bob" {
		t.Fatalf("online users mismatch: %#v", body.Users)
	}
}

type nopHandle struct{ id string }

func (h nopHandle) ID() string { return h.id }

func (h nopHandle) Deliver(event string, payload any) error { return nil }

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, resp, http.StatusOK)
}

func TestInvalidPathID(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations/abc/messages",
		map[string]any{"body": "x"}, asUser("alice"))
	assertStatus(t, resp, http.StatusBadRequest)
}
