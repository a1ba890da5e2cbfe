package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// GetMe returns the authenticated user.
func (h *Handler) GetMe(c *gin.Context) {
	c.JSON(http.StatusOK, h.user(c))
}

// ListProjects returns the projects the user belongs to.
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.Store.ListProjectsForUser(c.Request.Context(), h.user(c).ID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

type createProjectRequest struct {
	Slug string `json:"slug" binding:"required"`
	Name string `json:"name"`
}

// CreateProject creates a project with the caller as owner.
func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperror.Invalid("slug is required"))
		return
	}
	if req.Name == "" {
		req.Name = req.Slug
	}

	project := &model.Project{Slug: req.Slug, Name: req.Name}
	if err := h.Store.CreateProject(c.Request.Context(), project); err != nil {
		h.renderError(c, err)
		return
	}
	member := &model.ProjectMember{
		ProjectID: project.ID,
		UserID:    h.user(c).ID,
		Role:      model.ProjectRoleOwner,
	}
	if err := h.Store.AddProjectMember(c.Request.Context(), member); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// DeleteProject removes the project and everything scoped to it, tearing
// down session sandboxes first.
func (h *Handler) DeleteProject(c *gin.Context) {
	project := h.project(c)
	ctx := c.Request.Context()

	sessions, err := h.Store.ListSessions(ctx, project.ID, "", true)
	if err != nil {
		h.renderError(c, err)
		return
	}
	for _, sess := range sessions {
		if err := h.Sessions.EnsureSandboxDestroyed(ctx, project.ID, sess.ID); err != nil {
			h.renderError(c, err)
			return
		}
	}

	if err := h.Store.DeleteProject(ctx, project.ID); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
