package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentbus/agentbus/internal/bus/models"
)

func (s *Server) registerResources() {
	m := s.mcpServer

	m.AddResource(
		mcp.NewResource("chat://bus/config", "Bus configuration",
			mcp.WithResourceDescription("Effective bus settings: name, version, endpoint, preferred language, timeouts"),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return s.jsonContents(req.Params.URI, s.core.Config())
		},
	)

	m.AddResource(
		mcp.NewResource("chat://agents/active", "Active agents",
			mcp.WithResourceDescription("Agents currently online, with their derived state"),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			agents, err := s.core.ListAgents(ctx)
			if err != nil {
				return nil, err
			}
			online := agents[:0]
			for _, a := range agents {
				if a.IsOnline {
					online = append(online, a)
				}
			}
			return s.jsonContents(req.Params.URI, map[string]any{"agents": online})
		},
	)

	m.AddResource(
		mcp.NewResource("chat://threads/active", "Active threads",
			mcp.WithResourceDescription("Threads that are neither closed nor archived"),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			threads, err := s.core.ListThreads(ctx, "", false)
			if err != nil {
				return nil, err
			}
			active := threads[:0]
			for _, t := range threads {
				if t.Status != models.ThreadStatusClosed {
					active = append(active, t)
				}
			}
			return s.jsonContents(req.Params.URI, map[string]any{"threads": active})
		},
	)

	m.AddResourceTemplate(
		mcp.NewResourceTemplate("chat://threads/{id}/transcript", "Thread transcript",
			mcp.WithTemplateDescription("The full message log of a thread as readable text"),
			mcp.WithTemplateMIMEType("text/plain"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			threadID, err := threadIDFromURI(req.Params.URI, "/transcript")
			if err != nil {
				return nil, err
			}
			transcript, err := s.renderTranscript(ctx, threadID)
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     transcript,
			}}, nil
		},
	)

	m.AddResourceTemplate(
		mcp.NewResourceTemplate("chat://threads/{id}/summary", "Thread summary",
			mcp.WithTemplateDescription("The recorded summary of a thread, or its topic when none exists"),
			mcp.WithTemplateMIMEType("text/plain"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			threadID, err := threadIDFromURI(req.Params.URI, "/summary")
			if err != nil {
				return nil, err
			}
			thread, err := s.core.GetThread(ctx, threadID)
			if err != nil {
				return nil, err
			}
			summary := thread.Summary
			if summary == "" {
				summary = fmt.Sprintf("No summary recorded. Topic: %s (status %s)", thread.Topic, thread.Status)
			}
			return []mcp.ResourceContents{mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     summary,
			}}, nil
		},
	)

	m.AddResourceTemplate(
		mcp.NewResourceTemplate("chat://threads/{id}/state", "Thread state",
			mcp.WithTemplateDescription("The current lifecycle state of a thread"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			threadID, err := threadIDFromURI(req.Params.URI, "/state")
			if err != nil {
				return nil, err
			}
			thread, err := s.core.GetThread(ctx, threadID)
			if err != nil {
				return nil, err
			}
			return s.jsonContents(req.Params.URI, map[string]any{
				"thread_id": thread.ID,
				"topic":     thread.Topic,
				"status":    thread.Status,
			})
		},
	)
}

func (s *Server) jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "application/json",
		Text:     string(data),
	}}, nil
}

// renderTranscript flattens a thread's log into display lines.
func (s *Server) renderTranscript(ctx context.Context, threadID string) (string, error) {
	thread, err := s.core.GetThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	messages, err := s.core.ListMessages(ctx, threadID, 0, 0, true)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Thread: %s (status %s)\n\n", thread.Topic, thread.Status)
	for _, msg := range messages {
		name := msg.AuthorName
		if name == "" {
			name = string(msg.Role)
		}
		fmt.Fprintf(&b, "[%d] %s (%s): %s\n", msg.Seq, name, msg.Role, models.ContentText(msg.Content))
	}
	return b.String(), nil
}

// threadIDFromURI extracts the id segment from chat://threads/{id}<suffix>.
func threadIDFromURI(uri, suffix string) (string, error) {
	const prefix = "chat://threads/"
	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return "", fmt.Errorf("unexpected resource URI: %s", uri)
	}
	id := strings.TrimSuffix(strings.TrimPrefix(uri, prefix), suffix)
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("unexpected resource URI: %s", uri)
	}
	return id, nil
}
