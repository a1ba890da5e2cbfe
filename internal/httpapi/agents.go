package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// ListAgents returns the project's agent configurations.
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.Store.ListAgents(c.Request.Context(), h.project(c).ID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

type agentRequest struct {
	Name         string                  `json:"name" binding:"required"`
	AgentType    string                  `json:"agentType" binding:"required"`
	SystemPrompt *string                 `json:"systemPrompt"`
	MCPServers   []model.MCPServerConfig `json:"mcpServers"`
	IsDefault    bool                    `json:"isDefault"`
}

// CreateAgent inserts an agent; isDefault routes through SetDefaultAgent
// so at most one default survives.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperror.Invalid("name and agentType are required"))
		return
	}

	agent := &model.Agent{
		ProjectID:    h.project(c).ID,
		Name:         req.Name,
		AgentType:    req.AgentType,
		SystemPrompt: req.SystemPrompt,
		MCPServers:   req.MCPServers,
	}
	if err := h.Store.CreateAgent(c.Request.Context(), agent); err != nil {
		h.renderError(c, err)
		return
	}
	if req.IsDefault {
		if err := h.Store.SetDefaultAgent(c.Request.Context(), agent.ProjectID, agent.ID); err != nil {
			h.renderError(c, err)
			return
		}
		agent.IsDefault = true
	}
	c.JSON(http.StatusCreated, agent)
}

// GetAgent returns one agent.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.agentInProject(c)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateAgent replaces the agent's mutable fields.
func (h *Handler) UpdateAgent(c *gin.Context) {
	agent, err := h.agentInProject(c)
	if err != nil {
		h.renderError(c, err)
		return
	}

	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperror.Invalid("name and agentType are required"))
		return
	}
	agent.Name = req.Name
	agent.AgentType = req.AgentType
	agent.SystemPrompt = req.SystemPrompt
	agent.MCPServers = req.MCPServers

	if err := h.Store.UpdateAgent(c.Request.Context(), agent); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeleteAgent removes the agent.
func (h *Handler) DeleteAgent(c *gin.Context) {
	agent, err := h.agentInProject(c)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if err := h.Store.DeleteAgent(c.Request.Context(), agent.ID); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetDefaultAgent makes this agent the project default.
func (h *Handler) SetDefaultAgent(c *gin.Context) {
	agent, err := h.agentInProject(c)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if err := h.Store.SetDefaultAgent(c.Request.Context(), agent.ProjectID, agent.ID); err != nil {
		h.renderError(c, err)
		return
	}
	agent.IsDefault = true
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) agentInProject(c *gin.Context) (*model.Agent, error) {
	agent, err := h.Store.GetAgent(c.Request.Context(), c.Param("aid"))
	if err != nil {
		return nil, err
	}
	if agent.ProjectID != h.project(c).ID {
		return nil, apperror.NotFound("agent")
	}
	return agent, nil
}
