package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentbus/agentbus/internal/bus/models"
	"github.com/agentbus/agentbus/internal/core"
)

// toolResult renders a value as indented JSON tool output.
func toolResult(v any) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

// toolError renders a core error with its machine-readable kind.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", core.KindOf(err), core.ReasonOf(err)))
}

func (s *Server) registerTools() {
	m := s.mcpServer

	m.AddTool(
		mcp.NewTool("bus_get_config",
			mcp.WithDescription("Get the bus configuration: name, version, endpoint, preferred language, and timeouts. Call this first to orient yourself."),
		),
		s.busGetConfigHandler(),
	)

	m.AddTool(
		mcp.NewTool("thread_create",
			mcp.WithDescription("Create a new discussion thread"),
			mcp.WithString("topic",
				mcp.Required(),
				mcp.Description("The thread topic"),
			),
			mcp.WithString("system_prompt",
				mcp.Description("Optional collaboration prompt seeded into the thread as a system message"),
			),
		),
		s.threadCreateHandler(),
	)

	m.AddTool(
		mcp.NewTool("thread_list",
			mcp.WithDescription("List threads on the bus"),
			mcp.WithString("status",
				mcp.Description("Filter to one status: discuss, implement, review, done, closed, archived"),
			),
			mcp.WithBoolean("include_archived",
				mcp.Description("Include archived threads (default false)"),
			),
		),
		s.threadListHandler(),
	)

	m.AddTool(
		mcp.NewTool("thread_get",
			mcp.WithDescription("Fetch a single thread by ID"),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
		),
		s.threadGetHandler(),
	)

	m.AddTool(
		mcp.NewTool("thread_set_state",
			mcp.WithDescription("Move a thread between the working states: discuss, implement, review, done"),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
			mcp.WithString("state",
				mcp.Required(),
				mcp.Description("The new state: discuss, implement, review, or done"),
			),
		),
		s.threadSetStateHandler(),
	)

	m.AddTool(
		mcp.NewTool("thread_close",
			mcp.WithDescription("Close a thread, optionally recording a summary of the outcome"),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
			mcp.WithString("summary",
				mcp.Description("Optional summary recorded on the thread"),
			),
		),
		s.threadCloseHandler(),
	)

	m.AddTool(
		mcp.NewTool("thread_archive",
			mcp.WithDescription("Archive a thread, hiding it from default listings. The current status is restored on unarchive."),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
		),
		s.threadArchiveHandler(),
	)

	m.AddTool(
		mcp.NewTool("thread_unarchive",
			mcp.WithDescription("Restore an archived thread to the status it had when archived"),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
		),
		s.threadUnarchiveHandler(),
	)

	m.AddTool(
		mcp.NewTool("msg_post",
			mcp.WithDescription("Post a message to a thread"),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("Message text, or a JSON array of content blocks for multimodal payloads"),
			),
			mcp.WithString("agent_id",
				mcp.Description("Your agent ID from agent_register, so the message is attributed to you"),
			),
			mcp.WithString("author_name",
				mcp.Description("Display name shown with the message (defaults to your registered name)"),
			),
			mcp.WithString("role",
				mcp.Description("Message role: user, assistant, or system (default assistant)"),
			),
			mcp.WithArray("mentions",
				mcp.Description("Agent IDs referenced by this message"),
			),
		),
		s.msgPostHandler(),
	)

	m.AddTool(
		mcp.NewTool("msg_list",
			mcp.WithDescription("List messages in a thread after a sequence cursor"),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
			mcp.WithNumber("after_seq",
				mcp.Description("Return only messages with seq greater than this cursor (default 0)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of messages to return (default all)"),
			),
		),
		s.msgListHandler(),
	)

	m.AddTool(
		mcp.NewTool("msg_wait",
			mcp.WithDescription("Block until a thread has messages past the cursor, or the timeout elapses. Returns an empty list on timeout. Use this instead of polling msg_list."),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
			mcp.WithNumber("after_seq",
				mcp.Description("Wait for messages with seq greater than this cursor (default 0)"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("How long to wait before returning empty (default 300)"),
			),
			mcp.WithString("agent_id",
				mcp.Description("Your agent ID, so the console can show you as waiting"),
			),
		),
		s.msgWaitHandler(),
	)

	m.AddTool(
		mcp.NewTool("agent_register",
			mcp.WithDescription("Register on the bus. Returns your agent_id and the token required for heartbeat, unregister, and resume."),
			mcp.WithString("ide",
				mcp.Description("Host IDE or CLI name, e.g. Cursor"),
			),
			mcp.WithString("model",
				mcp.Description("LLM label, e.g. GPT-4"),
			),
			mcp.WithString("name",
				mcp.Description("Display name (default derived from ide and model)"),
			),
			mcp.WithString("description",
				mcp.Description("What this agent is working on"),
			),
			mcp.WithObject("capabilities",
				mcp.Description("Opaque capability record"),
			),
		),
		s.agentRegisterHandler(),
	)

	m.AddTool(
		mcp.NewTool("agent_resume",
			mcp.WithDescription("Re-attach to the bus with a previously issued agent_id and token"),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithString("token",
				mcp.Required(),
				mcp.Description("The token issued at registration"),
			),
		),
		s.agentResumeHandler(),
	)

	m.AddTool(
		mcp.NewTool("agent_heartbeat",
			mcp.WithDescription("Signal liveness. Call at least every 15 seconds to stay online."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithString("token",
				mcp.Required(),
				mcp.Description("The token issued at registration"),
			),
		),
		s.agentHeartbeatHandler(),
	)

	m.AddTool(
		mcp.NewTool("agent_unregister",
			mcp.WithDescription("Leave the bus"),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithString("token",
				mcp.Required(),
				mcp.Description("The token issued at registration"),
			),
		),
		s.agentUnregisterHandler(),
	)

	m.AddTool(
		mcp.NewTool("agent_list",
			mcp.WithDescription("List registered agents with their derived online state"),
		),
		s.agentListHandler(),
	)

	m.AddTool(
		mcp.NewTool("agent_set_typing",
			mcp.WithDescription("Broadcast an ephemeral typing indicator for a thread"),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread ID"),
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithBoolean("is_typing",
				mcp.Description("Whether you are currently composing (default true)"),
			),
		),
		s.agentSetTypingHandler(),
	)

	m.AddTool(
		mcp.NewTool("agent_invite",
			mcp.WithDescription("Invite a catalog-configured CLI agent onto a thread by spawning its command"),
			mcp.WithString("agent_name",
				mcp.Required(),
				mcp.Description("The catalog entry name"),
			),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("The thread the agent should join"),
			),
		),
		s.agentInviteHandler(),
	)

	s.logger.Info("registered MCP tools", zap.Int("count", 18))
}

func (s *Server) busGetConfigHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return toolResult(s.core.Config()), nil
	}
}

func (s *Server) threadCreateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		thread, err := s.core.CreateThread(ctx, topic, req.GetString("system_prompt", ""), nil)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(thread), nil
	}
}

func (s *Server) threadListHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threads, err := s.core.ListThreads(ctx, req.GetString("status", ""), req.GetBool("include_archived", false))
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(map[string]any{"threads": threads}), nil
	}
}

func (s *Server) threadGetHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		thread, err := s.core.GetThread(ctx, threadID)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(thread), nil
	}
}

func (s *Server) threadSetStateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		state, err := req.RequireString("state")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		thread, err := s.core.SetThreadState(ctx, threadID, state)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(thread), nil
	}
}

func (s *Server) threadCloseHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		thread, err := s.core.CloseThread(ctx, threadID, req.GetString("summary", ""))
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(thread), nil
	}
}

func (s *Server) threadArchiveHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.core.ArchiveThread(ctx, threadID); err != nil {
			return toolError(err), nil
		}
		return toolResult(map[string]any{"archived": true, "thread_id": threadID}), nil
	}
}

func (s *Server) threadUnarchiveHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		thread, err := s.core.UnarchiveThread(ctx, threadID)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(thread), nil
	}
}

func (s *Server) msgPostHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		agentID := req.GetString("agent_id", "")
		authorName := req.GetString("author_name", "")
		if authorName == "" {
			authorName = s.agentDisplayName(ctx, agentID)
		}

		var mentions []string
		if raw, ok := req.GetArguments()["mentions"].([]any); ok {
			for _, m := range raw {
				if id, ok := m.(string); ok {
					mentions = append(mentions, id)
				}
			}
		}

		message, err := s.core.PostMessage(ctx, core.PostMessageInput{
			ThreadID:   threadID,
			AuthorID:   agentID,
			AuthorName: authorName,
			Role:       req.GetString("role", string(models.RoleAssistant)),
			Content:    content,
			Mentions:   mentions,
		})
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(message), nil
	}
}

func (s *Server) msgListHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		messages, err := s.core.ListMessages(ctx, threadID, int64(req.GetInt("after_seq", 0)), req.GetInt("limit", 0), false)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(s.messagesResult(ctx, threadID, messages)), nil
	}
}

func (s *Server) msgWaitHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := time.Duration(req.GetInt("timeout_seconds", 0)) * time.Second
		messages, err := s.core.WaitMessages(ctx, threadID, int64(req.GetInt("after_seq", 0)), timeout, req.GetString("agent_id", ""))
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(s.messagesResult(ctx, threadID, messages)), nil
	}
}

// messagesResult wraps a message list, surfacing the thread's collaboration
// prompt so agents pick it up without a separate read.
func (s *Server) messagesResult(ctx context.Context, threadID string, messages []*models.Message) map[string]any {
	if messages == nil {
		messages = []*models.Message{}
	}
	result := map[string]any{
		"thread_id": threadID,
		"messages":  messages,
	}
	if thread, err := s.core.GetThread(ctx, threadID); err == nil && thread.SystemPrompt != "" {
		result["system_prompt"] = thread.SystemPrompt
	}
	return result
}

// agentDisplayName resolves an agent's registered name for attribution.
func (s *Server) agentDisplayName(ctx context.Context, agentID string) string {
	if agentID == "" {
		return "agent"
	}
	agents, err := s.core.ListAgents(ctx)
	if err != nil {
		return agentID
	}
	for _, a := range agents {
		if a.ID == agentID {
			return a.Name
		}
	}
	return agentID
}

func (s *Server) agentRegisterHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var capabilities map[string]any
		if raw, ok := req.GetArguments()["capabilities"].(map[string]any); ok {
			capabilities = raw
		}
		agent, err := s.core.RegisterAgent(ctx,
			req.GetString("ide", ""),
			req.GetString("model", ""),
			req.GetString("name", ""),
			req.GetString("description", ""),
			capabilities,
		)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(map[string]any{
			"agent_id": agent.ID,
			"token":    agent.Token,
			"name":     agent.Name,
		}), nil
	}
}

func (s *Server) agentResumeHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		token, err := req.RequireString("token")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent, err := s.core.ResumeAgent(ctx, agentID, token)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(map[string]any{
			"agent_id": agent.ID,
			"name":     agent.Name,
			"ide":      agent.IDE,
			"model":    agent.Model,
		}), nil
	}
}

func (s *Server) agentHeartbeatHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		token, err := req.RequireString("token")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.core.HeartbeatAgent(ctx, agentID, token); err != nil {
			return toolError(err), nil
		}
		return toolResult(map[string]any{"ok": true}), nil
	}
}

func (s *Server) agentUnregisterHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		token, err := req.RequireString("token")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.core.UnregisterAgent(ctx, agentID, token); err != nil {
			return toolError(err), nil
		}
		return toolResult(map[string]any{"ok": true}), nil
	}
}

func (s *Server) agentListHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := s.core.ListAgents(ctx)
		if err != nil {
			return toolError(err), nil
		}
		if agents == nil {
			agents = []*core.AgentStatus{}
		}
		return toolResult(map[string]any{"agents": agents}), nil
	}
}

func (s *Server) agentSetTypingHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.core.SetTyping(ctx, threadID, agentID, req.GetBool("is_typing", true)); err != nil {
			return toolError(err), nil
		}
		return toolResult(map[string]any{"ok": true}), nil
	}
}

func (s *Server) agentInviteHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentName, err := req.RequireString("agent_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.core.InviteAgent(ctx, agentName, threadID)
		if err != nil {
			return toolError(err), nil
		}
		return toolResult(result), nil
	}
}
