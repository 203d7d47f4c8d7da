package core

import (
	"context"
	"strings"
	"time"

	"github.com/agentbus/agentbus/internal/bus/models"
)

// PostMessageInput carries everything a message insert needs. Images end up
// in message metadata under the "images" key.
type PostMessageInput struct {
	ThreadID   string
	AuthorID   string
	AuthorName string
	Role       string
	Content    string
	Mentions   []string
	Metadata   map[string]any
	Images     []models.ImageRef
}

// PostMessage appends a message to a thread and publishes msg.new after the
// row has committed.
func (c *Core) PostMessage(ctx context.Context, input PostMessageInput) (*models.Message, error) {
	if strings.TrimSpace(input.Content) == "" && len(input.Images) == 0 {
		return nil, InvalidInputf("content must not be empty")
	}

	role := models.MessageRole(input.Role)
	if input.Role == "" {
		role = models.RoleUser
	}
	if !role.Valid() {
		return nil, InvalidInputf("role must be one of user, assistant, system; got %q", input.Role)
	}

	metadata := input.Metadata
	if len(input.Images) > 0 {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["images"] = input.Images
	}

	message := &models.Message{
		ThreadID:   input.ThreadID,
		AuthorID:   input.AuthorID,
		AuthorName: input.AuthorName,
		Role:       role,
		Content:    models.NormalizeContent(input.Content),
		Mentions:   input.Mentions,
		Metadata:   metadata,
	}
	if err := c.store.InsertMessage(ctx, message); err != nil {
		return nil, fromStore(err)
	}

	if isAgentID(input.AuthorID) {
		c.presence.TouchActivity(ctx, input.AuthorID, models.ActivityPost)
	}

	c.broker.Publish(models.NewEvent(models.EventMessageNew, map[string]any{
		"thread_id":   message.ThreadID,
		"message_id":  message.ID,
		"seq":         message.Seq,
		"author_id":   message.AuthorID,
		"author_name": message.AuthorName,
		"role":        string(message.Role),
		"content":     previewContent(message.Content),
		"mentions":    message.Mentions,
	}))
	return message, nil
}

// ListMessages returns messages with seq > afterSeq for a thread.
func (c *Core) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int, includeSystemPrompt bool) ([]*models.Message, error) {
	if _, err := c.store.GetThread(ctx, threadID); err != nil {
		return nil, fromStore(err)
	}
	messages, err := c.store.ListMessages(ctx, threadID, afterSeq, limit, includeSystemPrompt)
	if err != nil {
		return nil, fromStore(err)
	}
	return messages, nil
}

// WaitMessages blocks until the thread has messages past the cursor, the
// timeout elapses (empty result), or the context is cancelled (empty result).
// The call is recorded as the agent's last activity so the console can render
// a waiting state.
func (c *Core) WaitMessages(ctx context.Context, threadID string, afterSeq int64, timeout time.Duration, agentID string) ([]*models.Message, error) {
	if _, err := c.store.GetThread(ctx, threadID); err != nil {
		if KindOf(fromStore(err)) == KindNotFound {
			return nil, InvalidInputf("unknown thread %s", threadID)
		}
		return nil, fromStore(err)
	}

	if isAgentID(agentID) {
		c.presence.TouchActivity(ctx, agentID, models.ActivityWait)
	}

	messages, err := c.waits.Wait(ctx, threadID, afterSeq, 0, c.clampTimeout(timeout))
	if err != nil {
		return nil, fromStore(err)
	}
	return messages, nil
}

// previewContent truncates message content for event payloads.
func previewContent(content string) string {
	text := models.ContentText(content)
	runes := []rune(text)
	if len(runes) <= eventPreviewLimit {
		return text
	}
	return string(runes[:eventPreviewLimit])
}

// isAgentID reports whether an author id refers to a registered agent rather
// than the reserved human/system authors.
func isAgentID(id string) bool {
	return id != "" && id != "human" && id != "system"
}
