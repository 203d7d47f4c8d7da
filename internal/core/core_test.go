package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentbus/agentbus/internal/bus/models"
	"github.com/agentbus/agentbus/internal/common/logger"
	eventbus "github.com/agentbus/agentbus/internal/events/bus"
	"github.com/agentbus/agentbus/internal/invite"
	"github.com/agentbus/agentbus/internal/presence"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/agentbus/agentbus/internal/wait"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *eventRecorder) record(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(eventType models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func setupCore(t *testing.T) (*Core, *eventRecorder) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, db)
	require.NoError(t, err)

	log := logger.Default()
	broker := eventbus.NewBroker(log)
	rec := &eventRecorder{}
	broker.AddListener(rec.record)

	waits := wait.NewCoordinator(st, time.Second, log)
	pres := presence.NewManager(st, broker, 30*time.Second, time.Second, log)
	executor := invite.NewExecutor([]invite.CatalogEntry{
		{Name: "echoer", InvokeCommand: "echo {thread_id}", TimeoutSeconds: 5, Enabled: true},
		{Name: "off", InvokeCommand: "true", TimeoutSeconds: 5, Enabled: false},
	}, "http://localhost:39765", t.TempDir(), log)

	c := New(st, broker, waits, pres, executor, Options{
		BusName:           "agentbus",
		PreferredLanguage: "English",
		Endpoint:          "http://localhost:39765",
		HeartbeatTimeout:  30 * time.Second,
		WaitDefault:       300 * time.Second,
		WaitMax:           600 * time.Second,
	}, log)
	t.Cleanup(c.Shutdown)
	return c, rec
}

func TestCore_CreateThreadValidation(t *testing.T) {
	c, _ := setupCore(t)

	_, err := c.CreateThread(context.Background(), "   ", "", nil)
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestCore_CreateThreadSeedsSystemPrompt(t *testing.T) {
	c, rec := setupCore(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, "Discuss design", "You are terse.", nil)
	require.NoError(t, err)

	withPrompt, err := c.ListMessages(ctx, thread.ID, 0, 0, true)
	require.NoError(t, err)
	require.Len(t, withPrompt, 1)
	assert.Equal(t, models.RoleSystem, withPrompt[0].Role)
	assert.Equal(t, "You are terse.", withPrompt[0].Content)

	withoutPrompt, err := c.ListMessages(ctx, thread.ID, 0, 0, false)
	require.NoError(t, err)
	assert.Empty(t, withoutPrompt)

	// One thread.new, and no msg.new for the synthetic seed.
	assert.Len(t, rec.ofType(models.EventThreadNew), 1)
	assert.Empty(t, rec.ofType(models.EventMessageNew))
}

func TestCore_PostMessagePublishesAfterCommit(t *testing.T) {
	c, rec := setupCore(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, "events", "", nil)
	require.NoError(t, err)

	// The listener path is synchronous: when the event fires the row must
	// already be readable.
	var listed []*models.Message
	c.broker.AddListener(func(ev models.Event) {
		if ev.Type != models.EventMessageNew {
			return
		}
		listed, _ = c.store.ListMessages(ctx, thread.ID, 0, 0, true)
	})

	msg, err := c.PostMessage(ctx, PostMessageInput{
		ThreadID: thread.ID,
		Content:  "hello",
		Mentions: []string{"reviewer"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)

	require.Len(t, listed, 1)
	assert.Equal(t, msg.ID, listed[0].ID)

	events := rec.ofType(models.EventMessageNew)
	require.Len(t, events, 1)
	assert.Equal(t, thread.ID, events[0].Payload["thread_id"])
	assert.Equal(t, "hello", events[0].Payload["content"])
	assert.Equal(t, []string{"reviewer"}, events[0].Payload["mentions"])
}

func TestCore_PostMessageValidation(t *testing.T) {
	c, _ := setupCore(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, "validation", "", nil)
	require.NoError(t, err)

	_, err = c.PostMessage(ctx, PostMessageInput{ThreadID: thread.ID, Content: "  "})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = c.PostMessage(ctx, PostMessageInput{ThreadID: thread.ID, Content: "x", Role: "robot"})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = c.PostMessage(ctx, PostMessageInput{ThreadID: "missing", Content: "x"})
	assert.Equal(t, KindNotFound, KindOf(err))

	// Images alone are enough content.
	msg, err := c.PostMessage(ctx, PostMessageInput{
		ThreadID: thread.ID,
		Images:   []models.ImageRef{{URL: "/static/uploads/a.png", Name: "a.png"}},
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Metadata, "images")
}

func TestCore_PostMessageTruncatesEventPreview(t *testing.T) {
	c, rec := setupCore(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, "preview", "", nil)
	require.NoError(t, err)

	long := strings.Repeat("é", 500)
	_, err = c.PostMessage(ctx, PostMessageInput{ThreadID: thread.ID, Content: long})
	require.NoError(t, err)

	events := rec.ofType(models.EventMessageNew)
	require.Len(t, events, 1)
	preview := events[0].Payload["content"].(string)
	assert.Equal(t, eventPreviewLimit, len([]rune(preview)))

	// The stored message keeps the full body.
	messages, err := c.ListMessages(ctx, thread.ID, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, long, messages[0].Content)
}

func TestCore_WaitMessagesWakesOnPost(t *testing.T) {
	c, _ := setupCore(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, "wait", "", nil)
	require.NoError(t, err)

	type result struct {
		messages []*models.Message
		err      error
	}
	done := make(chan result, 1)
	go func() {
		messages, err := c.WaitMessages(ctx, thread.ID, 0, 10*time.Second, "")
		done <- result{messages, err}
	}()

	require.Eventually(t, func() bool { return c.waits.Pending(thread.ID) == 1 },
		2*time.Second, 10*time.Millisecond)

	_, err = c.PostMessage(ctx, PostMessageInput{ThreadID: thread.ID, Content: "wake up"})
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.messages, 1)
		assert.Equal(t, "wake up", r.messages[0].Content)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken by post")
	}
}

func TestCore_WaitMessagesUnknownThreadIsInvalidInput(t *testing.T) {
	c, _ := setupCore(t)

	_, err := c.WaitMessages(context.Background(), "missing", 0, time.Second, "")
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestCore_ThreadLifecycle(t *testing.T) {
	c, rec := setupCore(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, "lifecycle", "", nil)
	require.NoError(t, err)

	updated, err := c.SetThreadState(ctx, thread.ID, "implement")
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusImplement, updated.Status)

	_, err = c.SetThreadState(ctx, thread.ID, "archived")
	assert.Equal(t, KindInvalidInput, KindOf(err))
	_, err = c.SetThreadState(ctx, thread.ID, "bogus")
	assert.Equal(t, KindInvalidInput, KindOf(err))

	require.NoError(t, c.ArchiveThread(ctx, thread.ID))
	assert.Equal(t, KindConflict, KindOf(c.ArchiveThread(ctx, thread.ID)))

	// Archived threads refuse state changes and closing.
	_, err = c.SetThreadState(ctx, thread.ID, "review")
	assert.Equal(t, KindConflict, KindOf(err))
	_, err = c.CloseThread(ctx, thread.ID, "")
	assert.Equal(t, KindConflict, KindOf(err))

	restored, err := c.UnarchiveThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusImplement, restored.Status)

	closed, err := c.CloseThread(ctx, thread.ID, "shipped")
	require.NoError(t, err)
	assert.Equal(t, models.ThreadStatusClosed, closed.Status)
	assert.Equal(t, "shipped", closed.Summary)

	_, err = c.CloseThread(ctx, thread.ID, "")
	assert.Equal(t, KindConflict, KindOf(err))
	_, err = c.SetThreadState(ctx, thread.ID, "discuss")
	assert.Equal(t, KindConflict, KindOf(err))

	assert.Len(t, rec.ofType(models.EventThreadState), 1)
	assert.Len(t, rec.ofType(models.EventThreadArchived), 1)
	assert.Len(t, rec.ofType(models.EventThreadUnarchived), 1)
	assert.Len(t, rec.ofType(models.EventThreadClosed), 1)
}

func TestCore_ListThreadsFilter(t *testing.T) {
	c, _ := setupCore(t)
	ctx := context.Background()

	_, err := c.CreateThread(ctx, "one", "", nil)
	require.NoError(t, err)

	_, err = c.ListThreads(ctx, "nonsense", false)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	threads, err := c.ListThreads(ctx, "discuss", false)
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestCore_AgentRegistrationAndTokens(t *testing.T) {
	c, _ := setupCore(t)
	ctx := context.Background()

	_, err := c.RegisterAgent(ctx, "", "", "", "", nil)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	agent, err := c.RegisterAgent(ctx, "Cursor", "GPT", "", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, agent.Token)

	assert.NoError(t, c.HeartbeatAgent(ctx, agent.ID, agent.Token))
	assert.Equal(t, KindUnauthorized, KindOf(c.HeartbeatAgent(ctx, agent.ID, "wrong")))
	assert.Equal(t, KindNotFound, KindOf(c.HeartbeatAgent(ctx, "ghost", "t")))

	statuses, err := c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].IsOnline)
	assert.Equal(t, models.AgentStateActive, statuses[0].State)

	assert.Equal(t, KindUnauthorized, KindOf(c.UnregisterAgent(ctx, agent.ID, "bad")))
	assert.NoError(t, c.UnregisterAgent(ctx, agent.ID, agent.Token))
}

func TestCore_InviteAgent(t *testing.T) {
	c, _ := setupCore(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, "invites", "", nil)
	require.NoError(t, err)

	_, err = c.InviteAgent(ctx, "echoer", "missing")
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = c.InviteAgent(ctx, "nobody", thread.ID)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = c.InviteAgent(ctx, "off", thread.ID)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	result, err := c.InviteAgent(ctx, "echoer", thread.ID)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Contains(t, result.Command, thread.ID)
}

func TestCore_Config(t *testing.T) {
	c, _ := setupCore(t)

	cfg := c.Config()
	assert.Equal(t, "agentbus", cfg.Name)
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, 30, cfg.HeartbeatTimeout)
	assert.Equal(t, 300, cfg.WaitTimeout)
}

func TestCore_ClampTimeout(t *testing.T) {
	c, _ := setupCore(t)

	assert.Equal(t, 300*time.Second, c.clampTimeout(0))
	assert.Equal(t, 300*time.Second, c.clampTimeout(-time.Second))
	assert.Equal(t, 10*time.Second, c.clampTimeout(10*time.Second))
	assert.Equal(t, 600*time.Second, c.clampTimeout(time.Hour))
}

func TestCore_DeleteThreadRemovesLog(t *testing.T) {
	c, rec := setupCore(t)
	ctx := context.Background()

	thread, err := c.CreateThread(ctx, "delete", "", nil)
	require.NoError(t, err)
	_, err = c.PostMessage(ctx, PostMessageInput{ThreadID: thread.ID, Content: "x"})
	require.NoError(t, err)

	require.NoError(t, c.DeleteThread(ctx, thread.ID))
	assert.Equal(t, KindNotFound, KindOf(c.DeleteThread(ctx, thread.ID)))

	_, err = c.ListMessages(ctx, thread.ID, 0, 0, true)
	assert.Equal(t, KindNotFound, KindOf(err))

	assert.Len(t, rec.ofType(models.EventThreadDeleted), 1)
}
