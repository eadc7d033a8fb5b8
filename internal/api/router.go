package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autodev/autodev/internal/common/config"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/gateway/websocket"
	"github.com/autodev/autodev/internal/orchestrator"
	"github.com/autodev/autodev/internal/project/store"
)

// NewRouter assembles the gin engine: middleware, the REST surface under
// /api/v1, and the WebSocket subscription route. The WebSocket handshake
// performs its own token check, so /ws sits outside the auth group.
func NewRouter(cfg *config.Config, st *store.Store, orch *orchestrator.Orchestrator, wsHandler *websocket.Handler, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", wsHandler.Handle)

	h := NewHandlers(st, orch, log)
	api := router.Group("/api/v1")
	api.Use(authMiddleware(cfg.Auth.Token))

	api.GET("/providers", h.listProviders)
	api.POST("/fs/probe", h.probeDir)

	api.GET("/projects", h.listProjects)
	api.POST("/projects", h.createProject)
	api.POST("/projects/import", h.importProject)
	api.GET("/projects/:id", h.getProject)
	api.DELETE("/projects/:id", h.deleteProject)
	api.PATCH("/projects/:id/system-prompt", h.updateSystemPrompt)

	api.POST("/projects/:id/agent/start", h.startAgent)
	api.POST("/projects/:id/agent/stop", h.stopAgent)

	api.GET("/projects/:id/features", h.listFeatures)
	api.POST("/projects/:id/features/review", h.reviewFeatures)
	api.POST("/projects/:id/review/confirm", h.confirmReview)
	api.POST("/projects/:id/spec/append", h.appendSpec)

	api.GET("/projects/:id/sessions", h.listSessions)
	api.GET("/projects/:id/sessions/:sessionId/raw-log", h.getRawLog)
	api.GET("/projects/:id/logs", h.listLogs)

	api.GET("/projects/:id/help-requests", h.listHelpRequests)
	api.POST("/projects/:id/help-requests/:requestId/respond", h.respondHelpRequest)

	return router
}
