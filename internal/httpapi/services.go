package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

// The service model (front-matter declarations, ports, passive flags)
// lives inside the sandbox; these handlers forward operations unchanged
// to the session's agent-api and treat the payloads as opaque JSON.

// ListServices forwards GET /services for the ?sessionId= sandbox.
func (h *Handler) ListServices(c *gin.Context) {
	h.forwardService(c, "/services")
}

// ServiceAction forwards start/stop for one service.
func (h *Handler) ServiceAction(c *gin.Context) {
	action := "start"
	if strings.HasSuffix(c.Request.URL.Path, "/stop") {
		action = "stop"
	}
	h.forwardService(c, "/services/"+c.Param("svc")+"/"+action)
}

// ServiceOutput forwards the service's output stream (SSE).
func (h *Handler) ServiceOutput(c *gin.Context) {
	h.forwardService(c, "/services/"+c.Param("svc")+"/output")
}

// ServiceHTTP forwards arbitrary HTTP into the service.
func (h *Handler) ServiceHTTP(c *gin.Context) {
	h.forwardService(c, "/services/"+c.Param("svc")+"/http"+c.Param("path"))
}

// forwardService proxies the request into the sandbox of the session
// named by ?sessionId=, streaming both bodies.
func (h *Handler) forwardService(c *gin.Context, path string) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		h.renderError(c, apperror.Invalid("sessionId query parameter is required"))
		return
	}
	sess, err := h.Store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if sess.ProjectID != h.project(c).ID {
		h.renderError(c, apperror.NotFound("session"))
		return
	}
	if sess.Status != model.SessionStatusRunning {
		h.renderError(c, apperror.Conflict("service_not_running", "session sandbox is not running"))
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, path, c.Request.Body)
	if err != nil {
		h.renderError(c, err)
		return
	}
	req.Header = c.Request.Header.Clone()

	resp, err := h.Provider.HTTPProxy(c.Request.Context(), sessionID, req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			c.Writer.Flush()
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			return
		}
	}
}
