// Package httpapi exposes the control plane's JSON/SSE surface: projects,
// workspaces, sessions, messages, agents, credentials, chat streaming,
// the project event stream, service passthrough, and system status.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/wskish/discobot/internal/common/config"
	"github.com/wskish/discobot/internal/common/httpmw"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/completion"
	"github.com/wskish/discobot/internal/dispatcher"
	"github.com/wskish/discobot/internal/events"
	"github.com/wskish/discobot/internal/sandbox"
	"github.com/wskish/discobot/internal/secrets"
	"github.com/wskish/discobot/internal/session"
	"github.com/wskish/discobot/internal/store"
)

// Deps bundles everything the handlers touch.
type Deps struct {
	Store       store.Store
	Broker      *events.Broker
	Sessions    *session.Service
	Completions *completion.Service
	Provider    sandbox.Provider
	Secrets     *secrets.Service
	Dispatcher  *dispatcher.Dispatcher
	Config      *config.Config
	Logger      *logger.Logger
}

// Handler carries Deps across the route handlers.
type Handler struct {
	Deps
}

// SetupRoutes wires the full API onto router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	h := &Handler{Deps: deps}

	router.Use(httpmw.RequestLogger(deps.Logger, "discobot-api"))
	router.Use(httpmw.OtelTracing("discobot-api"))

	api := router.Group("/api")
	api.Use(h.Authenticate())

	api.GET("/me", h.GetMe)
	api.GET("/projects", h.ListProjects)
	api.POST("/projects", h.CreateProject)

	project := api.Group("/projects/:pid")
	project.Use(h.RequireMembership())
	{
		project.DELETE("", h.DeleteProject)

		project.GET("/workspaces", h.ListWorkspaces)
		project.POST("/workspaces", h.CreateWorkspace)
		project.DELETE("/workspaces/:wid", h.DeleteWorkspace)

		project.GET("/sessions", h.ListSessions)
		project.GET("/sessions/:sid", h.GetSession)
		project.DELETE("/sessions/:sid", h.DeleteSession)
		project.POST("/sessions/:sid/commit", h.CommitSession)
		project.GET("/sessions/:sid/messages", h.ListMessages)
		project.GET("/sessions/:sid/terminal", h.ListTerminalEvents)

		project.GET("/agents", h.ListAgents)
		project.POST("/agents", h.CreateAgent)
		project.GET("/agents/:aid", h.GetAgent)
		project.PUT("/agents/:aid", h.UpdateAgent)
		project.DELETE("/agents/:aid", h.DeleteAgent)
		project.POST("/agents/:aid/default", h.SetDefaultAgent)

		project.GET("/credentials", h.ListCredentials)
		project.POST("/credentials", h.CreateCredential)
		project.DELETE("/credentials/:cid", h.DeleteCredential)

		project.POST("/chat", h.Chat)
		project.GET("/chat/:sid/stream", h.ChatStream)
		project.POST("/chat/:sid/cancel", h.ChatCancel)

		project.GET("/events", h.Events)

		project.GET("/services", h.ListServices)
		project.POST("/services/:svc/start", h.ServiceAction)
		project.POST("/services/:svc/stop", h.ServiceAction)
		project.GET("/services/:svc/output", h.ServiceOutput)
		project.Any("/services/:svc/http/*path", h.ServiceHTTP)

		project.GET("/system/status", h.SystemStatus)
	}
}
