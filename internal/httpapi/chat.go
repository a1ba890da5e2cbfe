package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/completion"
)

// Chat implements POST /projects/{pid}/chat: resolve or create the
// session, start the completion, and stream the mirrored agent SSE.
func (h *Handler) Chat(c *gin.Context) {
	var req completion.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperror.Invalid("malformed chat request"))
		return
	}

	err := h.Completions.Chat(c.Request.Context(), h.project(c).ID, req, c.Writer)
	if err != nil {
		h.renderError(c, err)
		return
	}
}

// ChatStream implements GET /projects/{pid}/chat/{sid}/stream: replay
// the buffered completion and tail it live. 204 when there is nothing to
// stream.
func (h *Handler) ChatStream(c *gin.Context) {
	err := h.Completions.Stream(c.Request.Context(), h.project(c).ID, c.Param("sid"), c.Writer)
	if err != nil {
		h.renderError(c, err)
		return
	}
}

// ChatCancel implements POST /projects/{pid}/chat/{sid}/cancel.
func (h *Handler) ChatCancel(c *gin.Context) {
	err := h.Completions.Cancel(c.Request.Context(), h.project(c).ID, c.Param("sid"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
