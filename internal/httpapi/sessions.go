package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/chatproto"
	"github.com/wskish/discobot/pkg/model"
)

// ListSessions returns the project's sessions, optionally filtered by
// workspace and excluding closed ones by default.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.Store.ListSessions(
		c.Request.Context(),
		h.project(c).ID,
		c.Query("workspaceId"),
		c.Query("includeClosed") == "true",
	)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// GetSession returns one session.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessionInProject(c)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession tears the session down; the only way out of error.
func (h *Handler) DeleteSession(c *gin.Context) {
	sid := c.Param("sid")
	if err := h.Sessions.Delete(c.Request.Context(), h.project(c).ID, sid); err != nil {
		h.renderError(c, err)
		return
	}
	h.Completions.Forget(sid)
	c.Status(http.StatusNoContent)
}

type commitRequest struct {
	BaseCommit string `json:"baseCommit"`
}

// CommitSession starts the opt-in commit flow.
func (h *Handler) CommitSession(c *gin.Context) {
	var req commitRequest
	_ = c.ShouldBindJSON(&req)

	err := h.Sessions.Commit(c.Request.Context(), h.project(c).ID, c.Param("sid"), req.BaseCommit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "committing"})
}

// messageView decodes a stored message's body for the wire.
type messageView struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      model.MessageRole `json:"role"`
	Parts     []chatproto.Part  `json:"parts"`
	Seq       int64             `json:"seq"`
	CreatedAt time.Time         `json:"created_at"`
}

// ListMessages returns the session's messages in order.
func (h *Handler) ListMessages(c *gin.Context) {
	sess, err := h.sessionInProject(c)
	if err != nil {
		h.renderError(c, err)
		return
	}
	messages, err := h.Store.ListMessages(c.Request.Context(), sess.ID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	out := make([]messageView, 0, len(messages))
	for _, m := range messages {
		var parts []chatproto.Part
		if err := json.Unmarshal([]byte(m.Body), &parts); err != nil {
			parts = nil
		}
		out = append(out, messageView{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      m.Role,
			Parts:     parts,
			Seq:       m.Seq,
			CreatedAt: m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// ListTerminalEvents returns the session's terminal replay log,
// optionally resuming from ?afterSeq=.
func (h *Handler) ListTerminalEvents(c *gin.Context) {
	sess, err := h.sessionInProject(c)
	if err != nil {
		h.renderError(c, err)
		return
	}
	afterSeq, _ := strconv.ParseInt(c.Query("afterSeq"), 10, 64)
	entries, err := h.Store.ListTerminalEvents(c.Request.Context(), sess.ID, afterSeq, 1000)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if entries == nil {
		entries = []*model.TerminalHistoryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// sessionInProject resolves :sid and enforces project scoping.
func (h *Handler) sessionInProject(c *gin.Context) (*model.Session, error) {
	sess, err := h.Store.GetSession(c.Request.Context(), c.Param("sid"))
	if err != nil {
		return nil, err
	}
	if sess.ProjectID != h.project(c).ID {
		return nil, apperror.NotFound("session")
	}
	return sess, nil
}
