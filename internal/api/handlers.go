// Package api exposes the HTTP surface: project CRUD, agent control,
// feature/session/log reads, help-request handling, and the WebSocket
// subscription route. Handlers are thin adapters over the store and the
// orchestrator.
package api

import (
	goerrors "errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/orchestrator"
	"github.com/autodev/autodev/internal/project/store"
)

// Handlers holds the dependencies shared by all HTTP handlers.
type Handlers struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(st *store.Store, orch *orchestrator.Orchestrator, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		store:  st,
		orch:   orch,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

// respondError maps an error to its HTTP status and a JSON body.
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := errors.GetHTTPStatus(err)
	if status >= 500 {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	var appErr *errors.AppError
	if goerrors.As(err, &appErr) {
		c.JSON(status, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
