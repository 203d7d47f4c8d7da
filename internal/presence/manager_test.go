package presence

import (
	"context"
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
	"github.com/agentbus/agentbus/internal/store"
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

func setupManager(t *testing.T) (*Manager, *store.Store, *eventRecorder) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, db)
	require.NoError(t, err)

	broker := eventbus.NewBroker(logger.Default())
	rec := &eventRecorder{}
	broker.AddListener(rec.record)

	m := NewManager(st, broker, 30*time.Second, time.Second, logger.Default())
	return m, st, rec
}

// ageHeartbeat backdates an agent's heartbeat past the timeout.
func ageHeartbeat(t *testing.T, st *store.Store, agentID string, age time.Duration) {
	t.Helper()
	_, err := st.DB().Exec(`UPDATE agents SET last_heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-age), agentID)
	require.NoError(t, err)
}

func TestManager_RegisterIssuesTokenAndEmitsOnline(t *testing.T) {
	m, _, rec := setupManager(t)

	agent, err := m.Register(context.Background(), "Cursor", "GPT", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Cursor (GPT)", agent.Name)
	assert.Len(t, agent.Token, 32)

	online := rec.ofType(models.EventAgentOnline)
	require.Len(t, online, 1)
	assert.Equal(t, agent.ID, online[0].Payload["agent_id"])
}

func TestManager_RegisterDerivesNameFallbacks(t *testing.T) {
	assert.Equal(t, "Cursor (GPT)", deriveName("Cursor", "GPT"))
	assert.Equal(t, "Cursor", deriveName("Cursor", ""))
	assert.Equal(t, "GPT", deriveName("", "GPT"))
	assert.Equal(t, "agent", deriveName("", ""))
}

func TestManager_SweepEmitsOfflineOncePerTransition(t *testing.T) {
	m, st, rec := setupManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "Zed", "Claude", "", "", nil)
	require.NoError(t, err)

	ageHeartbeat(t, st, agent.ID, time.Minute)

	m.sweep(ctx)
	m.sweep(ctx)
	m.sweep(ctx)

	offline := rec.ofType(models.EventAgentOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, agent.ID, offline[0].Payload["agent_id"])
}

func TestManager_HeartbeatRevivesOfflineAgent(t *testing.T) {
	m, st, rec := setupManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "Zed", "Claude", "", "", nil)
	require.NoError(t, err)

	ageHeartbeat(t, st, agent.ID, time.Minute)
	m.sweep(ctx)
	require.Len(t, rec.ofType(models.EventAgentOffline), 1)

	require.NoError(t, m.Heartbeat(ctx, agent.ID, agent.Token))

	// Back online: one fresh agent.online beyond the registration one.
	online := rec.ofType(models.EventAgentOnline)
	require.Len(t, online, 2)

	// And the sweeper stays quiet now.
	m.sweep(ctx)
	assert.Len(t, rec.ofType(models.EventAgentOffline), 1)
}

func TestManager_HeartbeatRejectsBadToken(t *testing.T) {
	m, _, rec := setupManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "Zed", "Claude", "", "", nil)
	require.NoError(t, err)

	err = m.Heartbeat(ctx, agent.ID, "wrong")
	assert.ErrorIs(t, err, store.ErrTokenMismatch)

	// A rejected heartbeat publishes nothing new.
	assert.Len(t, rec.ofType(models.EventAgentOnline), 1)
}

func TestManager_ResumeReturnsStoredIdentity(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	registered, err := m.Register(ctx, "Cursor", "GPT", "", "helper", map[string]any{"review": true})
	require.NoError(t, err)

	resumed, err := m.Resume(ctx, registered.ID, registered.Token)
	require.NoError(t, err)
	assert.Equal(t, registered.Name, resumed.Name)
	assert.Equal(t, "helper", resumed.Description)
	assert.Equal(t, map[string]any{"review": true}, resumed.Capabilities)

	_, err = m.Resume(ctx, registered.ID, "wrong")
	assert.ErrorIs(t, err, store.ErrTokenMismatch)
}

func TestManager_UnregisterEmitsOffline(t *testing.T) {
	m, st, rec := setupManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "Zed", "Claude", "", "", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Unregister(ctx, agent.ID, "wrong"), store.ErrTokenMismatch)
	require.NoError(t, m.Unregister(ctx, agent.ID, agent.Token))

	require.Len(t, rec.ofType(models.EventAgentOffline), 1)
	_, err = st.GetAgent(ctx, agent.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_SetTypingPublishesEphemeralEvent(t *testing.T) {
	m, _, rec := setupManager(t)
	ctx := context.Background()

	agent, err := m.Register(ctx, "Zed", "Claude", "", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.SetTyping(ctx, "thread-1", agent.ID, true))
	require.NoError(t, m.SetTyping(ctx, "thread-1", agent.ID, false))

	typing := rec.ofType(models.EventAgentTyping)
	require.Len(t, typing, 2)
	assert.Equal(t, "thread-1", typing[0].Payload["thread_id"])
	assert.Equal(t, true, typing[0].Payload["is_typing"])
	assert.Equal(t, false, typing[1].Payload["is_typing"])

	err = m.SetTyping(ctx, "thread-1", "ghost", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgentState_Derivation(t *testing.T) {
	now := time.Now().UTC()
	timeout := 30 * time.Second

	fresh := &models.Agent{LastHeartbeatAt: now, LastActivityAt: now}
	assert.Equal(t, models.AgentStateActive, fresh.State(now, timeout))

	waiting := &models.Agent{
		LastHeartbeatAt:  now,
		LastActivityAt:   now.Add(-10 * time.Second),
		LastActivityKind: models.ActivityWait,
	}
	assert.Equal(t, models.AgentStateWaiting, waiting.State(now, timeout))

	idle := &models.Agent{LastHeartbeatAt: now, LastActivityAt: now.Add(-5 * time.Minute)}
	assert.Equal(t, models.AgentStateIdle, idle.State(now, timeout))

	offline := &models.Agent{LastHeartbeatAt: now.Add(-time.Minute), LastActivityAt: now}
	assert.Equal(t, models.AgentStateOffline, offline.State(now, timeout))
}
