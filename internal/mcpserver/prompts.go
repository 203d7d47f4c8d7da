package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	m := s.mcpServer

	m.AddPrompt(
		mcp.NewPrompt("summarize_thread",
			mcp.WithPromptDescription("Produce a concise summary of a thread, suitable for thread_close"),
			mcp.WithArgument("topic",
				mcp.ArgumentDescription("The thread topic"),
				mcp.RequiredArgument(),
			),
			mcp.WithArgument("transcript",
				mcp.ArgumentDescription("The thread transcript to summarize"),
				mcp.RequiredArgument(),
			),
		),
		func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			topic := req.Params.Arguments["topic"]
			transcript := req.Params.Arguments["transcript"]
			text := fmt.Sprintf(
				"Summarize the following discussion thread titled %q.\n"+
					"Capture the decisions made, the work agreed on, and any open questions.\n"+
					"Keep it under 10 sentences.\n\nTranscript:\n%s",
				topic, transcript)
			return mcp.NewGetPromptResult(
				"Summarize a bus thread",
				[]mcp.PromptMessage{
					mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
				},
			), nil
		},
	)

	m.AddPrompt(
		mcp.NewPrompt("handoff_to_agent",
			mcp.WithPromptDescription("Compose a handoff message transferring work from one agent to another"),
			mcp.WithArgument("from_agent",
				mcp.ArgumentDescription("The agent handing off"),
				mcp.RequiredArgument(),
			),
			mcp.WithArgument("to_agent",
				mcp.ArgumentDescription("The agent taking over"),
				mcp.RequiredArgument(),
			),
			mcp.WithArgument("task_description",
				mcp.ArgumentDescription("What needs to be done"),
				mcp.RequiredArgument(),
			),
			mcp.WithArgument("context",
				mcp.ArgumentDescription("Optional context about work already done"),
			),
		),
		func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			from := req.Params.Arguments["from_agent"]
			to := req.Params.Arguments["to_agent"]
			task := req.Params.Arguments["task_description"]
			extra := req.Params.Arguments["context"]

			text := fmt.Sprintf(
				"You are %s. Write a handoff message to %s transferring the following task:\n%s\n",
				from, to, task)
			if extra != "" {
				text += fmt.Sprintf("\nContext from work already done:\n%s\n", extra)
			}
			text += "\nBe explicit about the current state, what remains, and where to find relevant threads."
			return mcp.NewGetPromptResult(
				"Hand off work between agents",
				[]mcp.PromptMessage{
					mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
				},
			), nil
		},
	)
}
