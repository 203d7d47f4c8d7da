package core

import (
	"context"
	"strings"
	"time"

	"github.com/agentbus/agentbus/internal/bus/models"
	"github.com/agentbus/agentbus/internal/invite"
)

// Agent and invitation operations

// AgentStatus is an agent row with its derived presence attached.
type AgentStatus struct {
	*models.Agent
	IsOnline bool              `json:"is_online"`
	State    models.AgentState `json:"state"`
}

// RegisterAgent registers a new agent and returns it with its token set.
func (c *Core) RegisterAgent(ctx context.Context, ide, model, name, description string, capabilities map[string]any) (*models.Agent, error) {
	if strings.TrimSpace(ide) == "" && strings.TrimSpace(model) == "" && strings.TrimSpace(name) == "" {
		return nil, InvalidInputf("at least one of ide, model, name is required")
	}
	agent, err := c.presence.Register(ctx, ide, model, name, description, capabilities)
	if err != nil {
		return nil, fromStore(err)
	}
	return agent, nil
}

// ResumeAgent re-attaches a previously registered agent.
func (c *Core) ResumeAgent(ctx context.Context, agentID, token string) (*models.Agent, error) {
	agent, err := c.presence.Resume(ctx, agentID, token)
	if err != nil {
		return nil, fromStore(err)
	}
	return agent, nil
}

// HeartbeatAgent refreshes an agent's liveness.
func (c *Core) HeartbeatAgent(ctx context.Context, agentID, token string) error {
	return fromStore(c.presence.Heartbeat(ctx, agentID, token))
}

// UnregisterAgent removes an agent.
func (c *Core) UnregisterAgent(ctx context.Context, agentID, token string) error {
	return fromStore(c.presence.Unregister(ctx, agentID, token))
}

// SetTyping emits an ephemeral typing signal for a thread.
func (c *Core) SetTyping(ctx context.Context, threadID, agentID string, isTyping bool) error {
	return fromStore(c.presence.SetTyping(ctx, threadID, agentID, isTyping))
}

// ListAgents returns all agents with their derived presence state.
func (c *Core) ListAgents(ctx context.Context) ([]*AgentStatus, error) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, fromStore(err)
	}
	now := time.Now().UTC()
	result := make([]*AgentStatus, 0, len(agents))
	for _, agent := range agents {
		result = append(result, &AgentStatus{
			Agent:    agent,
			IsOnline: agent.IsOnline(now, c.opts.HeartbeatTimeout),
			State:    agent.State(now, c.opts.HeartbeatTimeout),
		})
	}
	return result, nil
}

// CatalogEntries returns the invitable-agent catalog.
func (c *Core) CatalogEntries() []invite.CatalogEntry {
	return c.invites.Entries()
}

// InviteAgent spawns a catalog agent onto a thread. Unknown or disabled
// catalog names are InvalidInput; spawn failures are reported in the result.
func (c *Core) InviteAgent(ctx context.Context, agentName, threadID string) (invite.Result, error) {
	if _, err := c.store.GetThread(ctx, threadID); err != nil {
		return invite.Result{}, fromStore(err)
	}
	entry, ok := c.invites.Lookup(agentName)
	if !ok {
		return invite.Result{}, InvalidInputf("no catalog entry named %q", agentName)
	}
	if !entry.Enabled {
		return invite.Result{}, InvalidInputf("catalog entry %q is disabled", agentName)
	}
	return c.invites.Invoke(agentName, threadID), nil
}
