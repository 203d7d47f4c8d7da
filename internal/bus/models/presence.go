package models

import "time"

// AgentState is the derived presentation state of an agent. It is computed
// from heartbeat and activity timestamps on every read, never stored.
type AgentState string

const (
	AgentStateActive  AgentState = "active"
	AgentStateWaiting AgentState = "waiting"
	AgentStateIdle    AgentState = "idle"
	AgentStateOffline AgentState = "offline"
)

const (
	activeWindow  = 30 * time.Second
	waitingWindow = 60 * time.Second
)

// IsOnline reports whether the agent's heartbeat is fresh at the given instant.
func (a *Agent) IsOnline(now time.Time, heartbeatTimeout time.Duration) bool {
	if a.LastHeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(a.LastHeartbeatAt) <= heartbeatTimeout
}

// State derives the presentation state of the agent. A parked msg_wait call
// renders as waiting; any other recent activity renders as active.
func (a *Agent) State(now time.Time, heartbeatTimeout time.Duration) AgentState {
	if !a.IsOnline(now, heartbeatTimeout) {
		return AgentStateOffline
	}
	sinceActivity := now.Sub(a.LastActivityAt)
	if a.LastActivityKind == ActivityWait && sinceActivity <= waitingWindow {
		return AgentStateWaiting
	}
	if !a.LastActivityAt.IsZero() && sinceActivity <= activeWindow {
		return AgentStateActive
	}
	return AgentStateIdle
}
