// Package models defines the core entities of the bus: threads, messages,
// agents, and the ephemeral event types fanned out to subscribers.
package models

import "time"

// ThreadStatus represents the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadStatusDiscuss   ThreadStatus = "discuss"
	ThreadStatusImplement ThreadStatus = "implement"
	ThreadStatusReview    ThreadStatus = "review"
	ThreadStatusDone      ThreadStatus = "done"
	ThreadStatusClosed    ThreadStatus = "closed"
	ThreadStatusArchived  ThreadStatus = "archived"
)

// Valid reports whether s is a known thread status.
func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadStatusDiscuss, ThreadStatusImplement, ThreadStatusReview,
		ThreadStatusDone, ThreadStatusClosed, ThreadStatusArchived:
		return true
	}
	return false
}

// Terminal reports whether s admits no further set-state transitions.
// Closed threads stay closed; archived threads must be unarchived first.
func (s ThreadStatus) Terminal() bool {
	return s == ThreadStatusClosed || s == ThreadStatusArchived
}

// Settable reports whether s may be the target of a set-state transition.
// Closing and archiving go through their dedicated operations.
func (s ThreadStatus) Settable() bool {
	switch s {
	case ThreadStatusDiscuss, ThreadStatusImplement, ThreadStatusReview, ThreadStatusDone:
		return true
	}
	return false
}

// Thread is a conversation context with an ordered message log.
// PrevStatus records the status a thread had before it was archived so
// unarchive can restore it.
type Thread struct {
	ID           string            `json:"id" db:"id"`
	Topic        string            `json:"topic" db:"topic"`
	Status       ThreadStatus      `json:"status" db:"status"`
	PrevStatus   ThreadStatus      `json:"-" db:"prev_status"`
	SystemPrompt string            `json:"system_prompt,omitempty" db:"system_prompt"`
	Summary      string            `json:"summary,omitempty" db:"summary"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	ClosedAt     *time.Time        `json:"closed_at,omitempty" db:"closed_at"`
}

// MessageRole classifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Valid reports whether r is a known message role.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single immutable entry in a thread's log. Seq is the bus-wide
// monotonically increasing sequence number assigned at commit time.
type Message struct {
	ID         string         `json:"id" db:"id"`
	ThreadID   string         `json:"thread_id" db:"thread_id"`
	Seq        int64          `json:"seq" db:"seq"`
	AuthorID   string         `json:"author_id,omitempty" db:"author_id"`
	AuthorName string         `json:"author_name" db:"author_name"`
	Role       MessageRole    `json:"role" db:"role"`
	Content    string         `json:"content" db:"content"`
	Mentions   []string       `json:"mentions,omitempty" db:"-"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// ImageRef is an uploaded image attached to a message, stored in message
// metadata under the "images" key.
type ImageRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// ActivityKind labels the last operation attributed to an agent.
type ActivityKind string

const (
	ActivityRegister ActivityKind = "register"
	ActivityPost     ActivityKind = "msg_post"
	ActivityWait     ActivityKind = "wait"
	ActivityTyping   ActivityKind = "typing"
)

// Agent is a registered bus participant. Token is the opaque secret issued at
// registration and required on every mutating agent operation.
type Agent struct {
	ID               string         `json:"id" db:"id"`
	Name             string         `json:"name" db:"name"`
	IDE              string         `json:"ide" db:"ide"`
	Model            string         `json:"model" db:"model"`
	Description      string         `json:"description,omitempty" db:"description"`
	Capabilities     map[string]any `json:"capabilities,omitempty" db:"-"`
	Token            string         `json:"-" db:"token"`
	RegisteredAt     time.Time      `json:"registered_at" db:"registered_at"`
	LastHeartbeatAt  time.Time      `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	LastActivityAt   time.Time      `json:"last_activity_at" db:"last_activity_at"`
	LastActivityKind ActivityKind   `json:"last_activity_kind,omitempty" db:"last_activity_kind"`
}

// EventType is the closed set of event kinds published on the in-memory bus.
type EventType string

const (
	EventMessageNew       EventType = "msg.new"
	EventThreadNew        EventType = "thread.new"
	EventThreadState      EventType = "thread.state"
	EventThreadClosed     EventType = "thread.closed"
	EventThreadArchived   EventType = "thread.archived"
	EventThreadUnarchived EventType = "thread.unarchived"
	EventThreadDeleted    EventType = "thread.deleted"
	EventAgentOnline      EventType = "agent.online"
	EventAgentOffline     EventType = "agent.offline"
	EventAgentTyping      EventType = "agent.typing"
)

// Event is an ephemeral notification of a state change. Events are never
// persisted; disconnected subscribers reconcile by re-reading the log.
type Event struct {
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
