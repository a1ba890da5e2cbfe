package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// ListCredentials returns the project's credentials. Secret material is
// never included (the model's ciphertext fields are json:"-").
func (h *Handler) ListCredentials(c *gin.Context) {
	creds, err := h.Store.ListCredentials(c.Request.Context(), h.project(c).ID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, creds)
}

type createCredentialRequest struct {
	Provider string `json:"provider" binding:"required"`
	AuthType string `json:"authType" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

// CreateCredential encrypts and stores a project credential.
func (h *Handler) CreateCredential(c *gin.Context) {
	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperror.Invalid("provider, authType, and secret are required"))
		return
	}

	authType := model.CredentialAuthType(req.AuthType)
	switch authType {
	case model.CredentialAuthAPIKey, model.CredentialAuthOAuth:
	default:
		h.renderError(c, apperror.Invalid("authType must be api_key or oauth"))
		return
	}

	cred := &model.Credential{
		ProjectID: h.project(c).ID,
		Provider:  req.Provider,
		AuthType:  authType,
	}
	if err := h.Secrets.Seal(cred, req.Secret); err != nil {
		h.renderError(c, err)
		return
	}
	if err := h.Store.CreateCredential(c.Request.Context(), cred); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

// DeleteCredential removes a credential.
func (h *Handler) DeleteCredential(c *gin.Context) {
	cred, err := h.Store.GetCredential(c.Request.Context(), c.Param("cid"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if cred.ProjectID != h.project(c).ID {
		h.renderError(c, apperror.NotFound("credential"))
		return
	}
	if err := h.Store.DeleteCredential(c.Request.Context(), cred.ID); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
