package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/internal/completion"
	"github.com/wskish/discobot/pkg/model"
)

// SessionCookie is the cookie carrying the opaque user session token.
const SessionCookie = "discobot_session"

const (
	ctxUser    = "discobot.user"
	ctxProject = "discobot.project"
)

// HashToken derives the stored token hash from the shared salt and the
// cookie token.
func HashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates the session cookie and injects the user. In
// no-auth mode every request runs as the reserved anonymous user.
func (h *Handler) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.Config.Auth.Enabled {
			user, err := h.Store.GetOrCreateUser(c.Request.Context(), "anonymous", "anonymous", "", "Anonymous")
			if err != nil {
				h.renderError(c, err)
				c.Abort()
				return
			}
			c.Set(ctxUser, user)
			c.Next()
			return
		}

		token, err := c.Cookie(SessionCookie)
		if err != nil || token == "" {
			h.unauthorized(c)
			return
		}

		us, err := h.Store.GetUserSessionByTokenHash(c.Request.Context(), HashToken(h.Config.Auth.SharedSecretSalt, token))
		if err != nil {
			h.unauthorized(c)
			return
		}
		if time.Now().After(us.ExpiresAt) {
			_ = h.Store.DeleteUserSession(c.Request.Context(), us.TokenHash)
			h.unauthorized(c)
			return
		}

		user, err := h.Store.GetUser(c.Request.Context(), us.UserID)
		if err != nil {
			h.unauthorized(c)
			return
		}
		c.Set(ctxUser, user)
		c.Next()
	}
}

func (h *Handler) unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// RequireMembership authorizes the authenticated user against the :pid
// project and injects the project row.
func (h *Handler) RequireMembership() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := h.user(c)
		pid := c.Param("pid")

		project, err := h.Store.GetProject(c.Request.Context(), pid)
		if err != nil {
			h.renderError(c, err)
			c.Abort()
			return
		}
		if _, err := h.Store.GetProjectMember(c.Request.Context(), project.ID, user.ID); err != nil {
			if apperror.KindOf(err) == apperror.KindNotFound {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
			h.renderError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxProject, project)
		c.Next()
	}
}

func (h *Handler) user(c *gin.Context) *model.User {
	return c.MustGet(ctxUser).(*model.User)
}

func (h *Handler) project(c *gin.Context) *model.Project {
	return c.MustGet(ctxProject).(*model.Project)
}

// renderError maps an error to its status code and {"error":
// "<snake_code>", ...} envelope.
func (h *Handler) renderError(c *gin.Context, err error) {
	if err == completion.ErrNoActiveStream {
		c.Status(http.StatusNoContent)
		return
	}
	if e, ok := apperror.As(err); ok {
		c.JSON(apperror.HTTPStatus(e.Kind), e.Envelope())
		return
	}
	h.Logger.WithError(err).Error("internal error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}
