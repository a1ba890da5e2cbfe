package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// ListWorkspaces returns the project's workspaces.
func (h *Handler) ListWorkspaces(c *gin.Context) {
	workspaces, err := h.Store.ListWorkspaces(c.Request.Context(), h.project(c).ID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, workspaces)
}

type createWorkspaceRequest struct {
	Path       string `json:"path" binding:"required"`
	SourceType string `json:"sourceType"`
	GitURL     string `json:"gitUrl"`
}

// CreateWorkspace inserts the workspace and starts its init job.
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperror.Invalid("path is required"))
		return
	}

	sourceType := model.WorkspaceSourceType(req.SourceType)
	if sourceType == "" {
		sourceType = model.WorkspaceSourceLocal
	}
	switch sourceType {
	case model.WorkspaceSourceLocal, model.WorkspaceSourceGit:
	default:
		h.renderError(c, apperror.Invalid("sourceType must be local or git"))
		return
	}
	if sourceType == model.WorkspaceSourceGit && req.GitURL == "" {
		h.renderError(c, apperror.Invalid("gitUrl is required for git workspaces"))
		return
	}

	ws := &model.Workspace{
		ProjectID:  h.project(c).ID,
		Path:       req.Path,
		SourceType: sourceType,
		GitURL:     req.GitURL,
	}
	created, err := h.Sessions.CreateWorkspace(c.Request.Context(), ws)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// DeleteWorkspace removes the workspace; ?deleteFiles=true opts into
// cascading over its undestroyed sessions.
func (h *Handler) DeleteWorkspace(c *gin.Context) {
	cascade := c.Query("deleteFiles") == "true"
	err := h.Sessions.DeleteWorkspace(c.Request.Context(), h.project(c).ID, c.Param("wid"), cascade)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
