package core

import (
	"context"
	"strings"

	"github.com/agentbus/agentbus/internal/bus/models"
)

// Thread operations

// CreateThread creates a thread and, when a system prompt is given, seeds the
// log with a synthetic system-role message carrying it.
func (c *Core) CreateThread(ctx context.Context, topic, systemPrompt string, metadata map[string]string) (*models.Thread, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, InvalidInputf("topic must not be empty")
	}

	thread := &models.Thread{
		Topic:        topic,
		SystemPrompt: systemPrompt,
		Metadata:     metadata,
	}
	if err := c.store.CreateThread(ctx, thread); err != nil {
		return nil, fromStore(err)
	}

	if systemPrompt != "" {
		prompt := &models.Message{
			ThreadID:   thread.ID,
			AuthorID:   "system",
			AuthorName: "system",
			Role:       models.RoleSystem,
			Content:    systemPrompt,
		}
		if err := c.store.InsertMessage(ctx, prompt); err != nil {
			return nil, fromStore(err)
		}
	}

	c.broker.Publish(models.NewEvent(models.EventThreadNew, map[string]any{
		"thread_id": thread.ID,
		"topic":     thread.Topic,
		"status":    string(thread.Status),
	}))
	return thread, nil
}

// GetThread fetches a thread by ID.
func (c *Core) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	thread, err := c.store.GetThread(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return thread, nil
}

// ListThreads lists threads, optionally filtered to one status. Archived
// threads are hidden unless requested.
func (c *Core) ListThreads(ctx context.Context, statusFilter string, includeArchived bool) ([]*models.Thread, error) {
	var filter models.ThreadStatus
	if statusFilter != "" {
		filter = models.ThreadStatus(statusFilter)
		if !filter.Valid() {
			return nil, InvalidInputf("unknown status %q", statusFilter)
		}
	}
	threads, err := c.store.ListThreads(ctx, filter, includeArchived)
	if err != nil {
		return nil, fromStore(err)
	}
	return threads, nil
}

// SetThreadState transitions a thread between the non-terminal states.
// Closing and archiving have dedicated operations.
func (c *Core) SetThreadState(ctx context.Context, id, state string) (*models.Thread, error) {
	status := models.ThreadStatus(state)
	if !status.Settable() {
		return nil, InvalidInputf("state must be one of discuss, implement, review, done; got %q", state)
	}

	thread, err := c.store.GetThread(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	if thread.Status.Terminal() {
		return nil, Conflictf("thread %s is %s; it cannot change state", id, thread.Status)
	}

	if err := c.store.UpdateThreadStatus(ctx, id, status); err != nil {
		return nil, fromStore(err)
	}
	thread.Status = status

	c.broker.Publish(models.NewEvent(models.EventThreadState, map[string]any{
		"thread_id": id,
		"status":    string(status),
	}))
	return thread, nil
}

// CloseThread marks a thread closed, optionally recording a summary.
func (c *Core) CloseThread(ctx context.Context, id, summary string) (*models.Thread, error) {
	thread, err := c.store.GetThread(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	if thread.Status == models.ThreadStatusClosed {
		return nil, Conflictf("thread %s is already closed", id)
	}
	if thread.Status == models.ThreadStatusArchived {
		return nil, Conflictf("thread %s is archived; unarchive it before closing", id)
	}

	if err := c.store.CloseThread(ctx, id, summary); err != nil {
		return nil, fromStore(err)
	}

	c.broker.Publish(models.NewEvent(models.EventThreadClosed, map[string]any{
		"thread_id": id,
		"summary":   summary,
	}))
	return c.store.GetThread(ctx, id)
}

// ArchiveThread hides a thread, remembering its status for unarchive.
func (c *Core) ArchiveThread(ctx context.Context, id string) error {
	thread, err := c.store.GetThread(ctx, id)
	if err != nil {
		return fromStore(err)
	}
	if thread.Status == models.ThreadStatusArchived {
		return Conflictf("thread %s is already archived", id)
	}

	if err := c.store.ArchiveThread(ctx, id); err != nil {
		return fromStore(err)
	}

	c.broker.Publish(models.NewEvent(models.EventThreadArchived, map[string]any{
		"thread_id": id,
	}))
	return nil
}

// UnarchiveThread restores the status a thread had when it was archived.
func (c *Core) UnarchiveThread(ctx context.Context, id string) (*models.Thread, error) {
	thread, err := c.store.GetThread(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	if thread.Status != models.ThreadStatusArchived {
		return nil, Conflictf("thread %s is not archived", id)
	}

	if err := c.store.UnarchiveThread(ctx, id); err != nil {
		return nil, fromStore(err)
	}
	restored, err := c.store.GetThread(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}

	c.broker.Publish(models.NewEvent(models.EventThreadUnarchived, map[string]any{
		"thread_id": id,
		"status":    string(restored.Status),
	}))
	return restored, nil
}

// DeleteThread hard-deletes a thread and its messages.
func (c *Core) DeleteThread(ctx context.Context, id string) error {
	if err := c.store.DeleteThread(ctx, id); err != nil {
		return fromStore(err)
	}
	c.broker.Publish(models.NewEvent(models.EventThreadDeleted, map[string]any{
		"thread_id": id,
	}))
	return nil
}
