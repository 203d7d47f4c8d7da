package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentbus/agentbus/internal/common/logger"
	"github.com/agentbus/agentbus/internal/core"
	eventbus "github.com/agentbus/agentbus/internal/events/bus"
	"github.com/agentbus/agentbus/internal/invite"
	"github.com/agentbus/agentbus/internal/presence"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/agentbus/agentbus/internal/uploads"
	"github.com/agentbus/agentbus/internal/wait"
)

func setupRouter(t *testing.T) (*gin.Engine, *core.Core) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, db)
	require.NoError(t, err)

	log := logger.Default()
	broker := eventbus.NewBroker(log)
	waits := wait.NewCoordinator(st, time.Second, log)
	pres := presence.NewManager(st, broker, 30*time.Second, time.Second, log)
	executor := invite.NewExecutor(nil, "http://localhost:39765", t.TempDir(), log)

	busCore := core.New(st, broker, waits, pres, executor, core.Options{
		BusName:          "agentbus",
		Endpoint:         "http://localhost:39765",
		HeartbeatTimeout: 30 * time.Second,
		WaitDefault:      300 * time.Second,
		WaitMax:          600 * time.Second,
	}, log)
	t.Cleanup(busCore.Shutdown)

	uploadStore, err := uploads.NewStore(t.TempDir(), 0, 0, log)
	require.NoError(t, err)

	router := gin.New()
	NewHandlers(busCore, uploadStore, log).RegisterRoutes(router)
	return router, busCore
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func createThread(t *testing.T, router *gin.Engine, topic string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/threads", gin.H{"topic": topic})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody(t, w)["id"].(string)
}

func TestHandlers_Health(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, core.Version, body["version"])
}

func TestHandlers_Config(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "agentbus", body["name"])
	assert.Equal(t, float64(30), body["heartbeat_timeout_seconds"])
}

func TestHandlers_ThreadLifecycle(t *testing.T) {
	router, _ := setupRouter(t)

	threadID := createThread(t, router, "rest lifecycle")

	w := doJSON(t, router, http.MethodGet, "/api/threads/"+threadID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "discuss", decodeBody(t, w)["status"])

	w = doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/state", gin.H{"state": "implement"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "implement", decodeBody(t, w)["status"])

	w = doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/archive", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Archived threads are hidden by default.
	w = doJSON(t, router, http.MethodGet, "/api/threads", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody(t, w)["threads"])

	w = doJSON(t, router, http.MethodGet, "/api/threads?include_archived=1", nil)
	assert.Len(t, decodeBody(t, w)["threads"], 1)

	w = doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/unarchive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "implement", decodeBody(t, w)["status"])

	w = doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/close", gin.H{"summary": "done"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "closed", body["status"])
	assert.Equal(t, "done", body["summary"])

	w = doJSON(t, router, http.MethodDelete, "/api/threads/"+threadID, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_ErrorMapping(t *testing.T) {
	router, _ := setupRouter(t)

	// Missing topic: binding failure.
	w := doJSON(t, router, http.MethodPost, "/api/threads", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", decodeBody(t, w)["kind"])

	// Unknown thread: not found.
	w = doJSON(t, router, http.MethodGet, "/api/threads/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeBody(t, w)["kind"])

	// Double close: conflict.
	threadID := createThread(t, router, "conflicts")
	w = doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/close", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decodeBody(t, w)["kind"])
}

func TestHandlers_Messages(t *testing.T) {
	router, _ := setupRouter(t)
	threadID := createThread(t, router, "messages")

	w := doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/messages", gin.H{
		"author":  "human",
		"role":    "user",
		"content": "first",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decodeBody(t, w)
	assert.Equal(t, float64(1), first["seq"])
	assert.Equal(t, "human", first["author_name"])

	w = doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/messages", gin.H{
		"author":      "agent-1",
		"author_name": "Cursor (GPT)",
		"role":        "assistant",
		"content":     "second",
		"mentions":    []string{"human"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/threads/"+threadID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages := decodeBody(t, w)["messages"].([]any)
	require.Len(t, messages, 2)

	w = doJSON(t, router, http.MethodGet, "/api/threads/"+threadID+"/messages?after_seq=1", nil)
	messages = decodeBody(t, w)["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "second", messages[0].(map[string]any)["content"])

	// Empty content is rejected.
	w = doJSON(t, router, http.MethodPost, "/api/threads/"+threadID+"/messages", gin.H{"content": " "})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_AgentFlow(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/agents/register", gin.H{
		"ide": "Cursor", "model": "GPT",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	reg := decodeBody(t, w)
	agentID := reg["agent_id"].(string)
	token := reg["token"].(string)
	assert.Equal(t, "Cursor (GPT)", reg["name"])
	require.NotEmpty(t, token)

	w = doJSON(t, router, http.MethodPost, "/api/agents/heartbeat", gin.H{
		"agent_id": agentID, "token": token,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/agents/heartbeat", gin.H{
		"agent_id": agentID, "token": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, w)["kind"])

	w = doJSON(t, router, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	agents := decodeBody(t, w)["agents"].([]any)
	require.Len(t, agents, 1)
	entry := agents[0].(map[string]any)
	assert.Equal(t, true, entry["is_online"])
	// Tokens never leak through list responses.
	assert.NotContains(t, entry, "token")

	w = doJSON(t, router, http.MethodPost, "/api/agents/resume", gin.H{
		"agent_id": agentID, "token": token,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Cursor (GPT)", decodeBody(t, w)["name"])

	w = doJSON(t, router, http.MethodPost, "/api/agents/unregister", gin.H{
		"agent_id": agentID, "token": token,
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_Typing(t *testing.T) {
	router, _ := setupRouter(t)
	threadID := createThread(t, router, "typing")

	w := doJSON(t, router, http.MethodPost, "/api/agents/register", gin.H{"name": "Zed"})
	require.Equal(t, http.StatusCreated, w.Code)
	agentID := decodeBody(t, w)["agent_id"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/agents/typing", gin.H{
		"thread_id": threadID, "agent_id": agentID, "is_typing": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/agents/typing", gin.H{
		"thread_id": threadID, "agent_id": "ghost", "is_typing": true,
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_InviteUnknownAgent(t *testing.T) {
	router, _ := setupRouter(t)
	threadID := createThread(t, router, "invite")

	w := doJSON(t, router, http.MethodPost, "/api/agents/invite", gin.H{
		"agent_name": "nobody", "thread_id": threadID,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", decodeBody(t, w)["kind"])
}

func TestHandlers_UploadImage(t *testing.T) {
	router, _ := setupRouter(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "diagram.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "diagram.png", body["name"])
	url := body["url"].(string)
	assert.True(t, strings.HasPrefix(url, "/static/uploads/"))
	assert.True(t, strings.HasSuffix(url, ".png"))

	// The stored file is served back.
	w2 := doJSON(t, router, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "fake png bytes", w2.Body.String())
}

func TestHandlers_UploadRejectsUnknownExtension(t *testing.T) {
	router, _ := setupRouter(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "payload.exe")
	require.NoError(t, err)
	_, err = part.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_SSEStreamDeliversEvents(t *testing.T) {
	router, busCore := setupRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	threadID := createThread(t, router, "sse")

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	// The subscription races thread creation; the msg.new below is what we
	// deterministically wait for.
	_, err = busCore.PostMessage(context.Background(), core.PostMessageInput{
		ThreadID: threadID, Content: "over the wire",
	})
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case raw := <-lines:
			var ev struct {
				Type    string         `json:"type"`
				Payload map[string]any `json:"payload"`
			}
			require.NoError(t, json.Unmarshal([]byte(raw), &ev))
			if ev.Type == "msg.new" {
				assert.Equal(t, threadID, ev.Payload["thread_id"])
				assert.Equal(t, "over the wire", ev.Payload["content"])
				return
			}
		case <-deadline:
			t.Fatal("msg.new never arrived on the SSE stream")
		}
	}
}

func TestHandlers_WebsocketStreamDeliversEvents(t *testing.T) {
	router, busCore := setupRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	threadID := createThread(t, router, "ws")
	_, err = busCore.PostMessage(context.Background(), core.PostMessageInput{
		ThreadID: threadID, Content: "socket says hi",
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == "msg.new" {
			assert.Equal(t, "socket says hi", ev.Payload["content"])
			return
		}
	}
}

func TestHandlers_EmptyCollectionsAreArrays(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/threads", nil)
	assert.JSONEq(t, `{"threads":[]}`, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/agents", nil)
	assert.JSONEq(t, `{"agents":[]}`, w.Body.String())

	threadID := createThread(t, router, "empty")
	w = doJSON(t, router, http.MethodGet, "/api/threads/"+threadID+"/messages", nil)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())
}
