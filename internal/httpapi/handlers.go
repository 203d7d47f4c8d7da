// Package httpapi exposes the REST + SSE surface consumed by the browser
// console and scripts. All handlers are thin projections of the core façade.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentbus/agentbus/internal/bus/models"
	"github.com/agentbus/agentbus/internal/common/logger"
	"github.com/agentbus/agentbus/internal/core"
	"github.com/agentbus/agentbus/internal/uploads"
)

// Handlers holds the REST handler dependencies.
type Handlers struct {
	core    *core.Core
	uploads *uploads.Store
	log     *logger.Logger
}

// NewHandlers creates the REST handler set.
func NewHandlers(c *core.Core, up *uploads.Store, log *logger.Logger) *Handlers {
	return &Handlers{core: c, uploads: up, log: log}
}

// RegisterRoutes attaches all REST, SSE, websocket, and static routes.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/events", h.streamEvents)
	router.GET("/ws", h.streamWebsocket)
	router.Static("/static/uploads", h.uploads.Dir())

	api := router.Group("/api")
	{
		api.GET("/config", h.getConfig)

		api.GET("/threads", h.listThreads)
		api.POST("/threads", h.createThread)
		api.GET("/threads/:id", h.getThread)
		api.DELETE("/threads/:id", h.deleteThread)
		api.GET("/threads/:id/messages", h.listMessages)
		api.POST("/threads/:id/messages", h.postMessage)
		api.POST("/threads/:id/state", h.setThreadState)
		api.POST("/threads/:id/close", h.closeThread)
		api.POST("/threads/:id/archive", h.archiveThread)
		api.POST("/threads/:id/unarchive", h.unarchiveThread)

		api.GET("/agents", h.listAgents)
		api.GET("/agents/catalog", h.listCatalog)
		api.POST("/agents/register", h.registerAgent)
		api.POST("/agents/resume", h.resumeAgent)
		api.POST("/agents/heartbeat", h.heartbeatAgent)
		api.POST("/agents/unregister", h.unregisterAgent)
		api.POST("/agents/typing", h.setTyping)
		api.POST("/agents/invite", h.inviteAgent)

		api.POST("/upload/image", h.uploadImage)
	}
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": core.Version})
}

func (h *Handlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.core.Config())
}

// Thread handlers

type createThreadRequest struct {
	Topic        string            `json:"topic" binding:"required"`
	SystemPrompt string            `json:"system_prompt"`
	Metadata     map[string]string `json:"metadata"`
}

func (h *Handlers) createThread(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	thread, err := h.core.CreateThread(c.Request.Context(), req.Topic, req.SystemPrompt, req.Metadata)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, thread)
}

func (h *Handlers) listThreads(c *gin.Context) {
	includeArchived := c.Query("include_archived") == "1" || c.Query("include_archived") == "true"
	threads, err := h.core.ListThreads(c.Request.Context(), c.Query("status"), includeArchived)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if threads == nil {
		threads = []*models.Thread{}
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (h *Handlers) getThread(c *gin.Context) {
	thread, err := h.core.GetThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (h *Handlers) deleteThread(c *gin.Context) {
	if err := h.core.DeleteThread(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type setStateRequest struct {
	State string `json:"state" binding:"required"`
}

func (h *Handlers) setThreadState(c *gin.Context) {
	var req setStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	thread, err := h.core.SetThreadState(c.Request.Context(), c.Param("id"), req.State)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

type closeThreadRequest struct {
	Summary string `json:"summary"`
}

func (h *Handlers) closeThread(c *gin.Context) {
	var req closeThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondBindError(c, err)
		return
	}
	thread, err := h.core.CloseThread(c.Request.Context(), c.Param("id"), req.Summary)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (h *Handlers) archiveThread(c *gin.Context) {
	if err := h.core.ArchiveThread(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

func (h *Handlers) unarchiveThread(c *gin.Context) {
	thread, err := h.core.UnarchiveThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

// Message handlers

func (h *Handlers) listMessages(c *gin.Context) {
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	includePrompt := c.Query("include_system_prompt") == "1" || c.Query("include_system_prompt") == "true"

	messages, err := h.core.ListMessages(c.Request.Context(), c.Param("id"), afterSeq, limit, includePrompt)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type postMessageRequest struct {
	Author     string            `json:"author"`
	AuthorName string            `json:"author_name"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	Mentions   []string          `json:"mentions"`
	Metadata   map[string]any    `json:"metadata"`
	Images     []models.ImageRef `json:"images"`
}

func (h *Handlers) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	authorName := req.AuthorName
	if authorName == "" {
		authorName = req.Author
	}
	message, err := h.core.PostMessage(c.Request.Context(), core.PostMessageInput{
		ThreadID:   c.Param("id"),
		AuthorID:   req.Author,
		AuthorName: authorName,
		Role:       req.Role,
		Content:    req.Content,
		Mentions:   req.Mentions,
		Metadata:   req.Metadata,
		Images:     req.Images,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

// Agent handlers

func (h *Handlers) listAgents(c *gin.Context) {
	agents, err := h.core.ListAgents(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if agents == nil {
		agents = []*core.AgentStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handlers) listCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.core.CatalogEntries()})
}

type registerAgentRequest struct {
	IDE          string         `json:"ide"`
	Model        string         `json:"model"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Capabilities map[string]any `json:"capabilities"`
}

func (h *Handlers) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	agent, err := h.core.RegisterAgent(c.Request.Context(), req.IDE, req.Model, req.Name, req.Description, req.Capabilities)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"agent_id": agent.ID,
		"token":    agent.Token,
		"name":     agent.Name,
	})
}

type agentTokenRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Token   string `json:"token" binding:"required"`
}

func (h *Handlers) resumeAgent(c *gin.Context) {
	var req agentTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	agent, err := h.core.ResumeAgent(c.Request.Context(), req.AgentID, req.Token)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"ide":      agent.IDE,
		"model":    agent.Model,
	})
}

func (h *Handlers) heartbeatAgent(c *gin.Context) {
	var req agentTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.core.HeartbeatAgent(c.Request.Context(), req.AgentID, req.Token); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) unregisterAgent(c *gin.Context) {
	var req agentTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.core.UnregisterAgent(c.Request.Context(), req.AgentID, req.Token); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type setTypingRequest struct {
	ThreadID string `json:"thread_id" binding:"required"`
	AgentID  string `json:"agent_id" binding:"required"`
	IsTyping bool   `json:"is_typing"`
}

func (h *Handlers) setTyping(c *gin.Context) {
	var req setTypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.core.SetTyping(c.Request.Context(), req.ThreadID, req.AgentID, req.IsTyping); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type inviteRequest struct {
	AgentName string `json:"agent_name" binding:"required"`
	ThreadID  string `json:"thread_id" binding:"required"`
}

func (h *Handlers) inviteAgent(c *gin.Context) {
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	result, err := h.core.InviteAgent(c.Request.Context(), req.AgentName, req.ThreadID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	// Spawn failures are a successful API call with ok=false.
	c.JSON(http.StatusOK, result)
}

// Upload handler

func (h *Handlers) uploadImage(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		respondBindError(c, err)
		return
	}
	url, name, err := h.uploads.SaveImage(file)
	if err != nil {
		respondError(c, h.log, core.InvalidInputf("%s", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "name": name})
}
