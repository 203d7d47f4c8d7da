// Package presence tracks agent liveness: registration, heartbeats, typing
// signals, and the background sweeper that flags stale agents offline.
package presence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbus/agentbus/internal/bus/models"
	"github.com/agentbus/agentbus/internal/common/logger"
	eventbus "github.com/agentbus/agentbus/internal/events/bus"
	"github.com/agentbus/agentbus/internal/store"
)

// Manager is the sole source of truth for the online predicate.
type Manager struct {
	store            *store.Store
	broker           *eventbus.Broker
	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	logger           *logger.Logger

	// knownOnline tracks the last derived onlineness per agent so the
	// sweeper emits agent.offline exactly once per transition.
	mu          sync.Mutex
	knownOnline map[string]bool
}

// NewManager creates a presence manager.
func NewManager(st *store.Store, broker *eventbus.Broker, heartbeatTimeout, sweepInterval time.Duration, log *logger.Logger) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	return &Manager{
		store:            st,
		broker:           broker,
		heartbeatTimeout: heartbeatTimeout,
		sweepInterval:    sweepInterval,
		logger:           log,
		knownOnline:      make(map[string]bool),
	}
}

// HeartbeatTimeout returns the configured heartbeat timeout.
func (m *Manager) HeartbeatTimeout() time.Duration {
	return m.heartbeatTimeout
}

// Register creates an agent row with a fresh id and token and emits
// agent.online. When name is empty it is derived as "IDE (Model)"; the store
// de-duplicates with a numeric suffix.
func (m *Manager) Register(ctx context.Context, ide, model, name, description string, capabilities map[string]any) (*models.Agent, error) {
	if name == "" {
		name = deriveName(ide, model)
	}
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	agent := &models.Agent{
		Name:         name,
		IDE:          ide,
		Model:        model,
		Description:  description,
		Capabilities: capabilities,
		Token:        token,
	}
	if err := m.store.RegisterAgent(ctx, agent); err != nil {
		return nil, err
	}

	m.setKnownOnline(agent.ID, true)
	m.broker.Publish(models.NewEvent(models.EventAgentOnline, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
	}))
	m.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name))
	return agent, nil
}

// Heartbeat validates the token and refreshes last_heartbeat_at. If the agent
// was derived-offline, agent.online is emitted.
func (m *Manager) Heartbeat(ctx context.Context, agentID, token string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	wasOnline := agent.IsOnline(time.Now().UTC(), m.heartbeatTimeout)

	if err := m.store.TouchHeartbeat(ctx, agentID, token); err != nil {
		return err
	}

	m.setKnownOnline(agentID, true)
	if !wasOnline {
		m.broker.Publish(models.NewEvent(models.EventAgentOnline, map[string]any{
			"agent_id": agentID,
			"name":     agent.Name,
		}))
	}
	return nil
}

// Resume re-attaches a previously registered agent. The stored identity is
// returned so the client can recover its display name and capabilities.
func (m *Manager) Resume(ctx context.Context, agentID, token string) (*models.Agent, error) {
	if err := m.Heartbeat(ctx, agentID, token); err != nil {
		return nil, err
	}
	return m.store.GetAgent(ctx, agentID)
}

// Unregister validates the token, removes the agent, and emits agent.offline.
func (m *Manager) Unregister(ctx context.Context, agentID, token string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if err := m.store.UnregisterAgent(ctx, agentID, token); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.knownOnline, agentID)
	m.mu.Unlock()

	m.broker.Publish(models.NewEvent(models.EventAgentOffline, map[string]any{
		"agent_id": agentID,
		"name":     agent.Name,
	}))
	m.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// SetTyping emits an ephemeral agent.typing event. Nothing is persisted
// beyond the activity timestamp.
func (m *Manager) SetTyping(ctx context.Context, threadID, agentID string, isTyping bool) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if isTyping {
		_ = m.store.TouchActivity(ctx, agentID, models.ActivityTyping)
	}
	m.broker.Publish(models.NewEvent(models.EventAgentTyping, map[string]any{
		"thread_id": threadID,
		"agent_id":  agentID,
		"name":      agent.Name,
		"is_typing": isTyping,
	}))
	return nil
}

// TouchActivity records best-effort activity accounting for an agent.
func (m *Manager) TouchActivity(ctx context.Context, agentID string, kind models.ActivityKind) {
	if agentID == "" {
		return
	}
	if err := m.store.TouchActivity(ctx, agentID, kind); err != nil {
		m.logger.Debug("failed to record agent activity",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Run drives the sweeper until the context is cancelled. Agents whose
// heartbeat is older than the timeout and were previously considered online
// get one agent.offline event. Rows are never deleted by the sweeper.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		m.logger.Warn("presence sweep failed", zap.Error(err))
		return
	}
	now := time.Now().UTC()

	for _, agent := range agents {
		online := agent.IsOnline(now, m.heartbeatTimeout)

		m.mu.Lock()
		was, seen := m.knownOnline[agent.ID]
		m.knownOnline[agent.ID] = online
		m.mu.Unlock()

		if (!seen || was) && !online {
			m.broker.Publish(models.NewEvent(models.EventAgentOffline, map[string]any{
				"agent_id": agent.ID,
				"name":     agent.Name,
			}))
			m.logger.Debug("agent went offline", zap.String("agent_id", agent.ID))
		}
	}
}

func (m *Manager) setKnownOnline(agentID string, online bool) {
	m.mu.Lock()
	m.knownOnline[agentID] = online
	m.mu.Unlock()
}

// deriveName builds the default display name from the IDE and model labels.
func deriveName(ide, model string) string {
	ide = strings.TrimSpace(ide)
	model = strings.TrimSpace(model)
	switch {
	case ide != "" && model != "":
		return fmt.Sprintf("%s (%s)", ide, model)
	case ide != "":
		return ide
	case model != "":
		return model
	default:
		return "agent"
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
