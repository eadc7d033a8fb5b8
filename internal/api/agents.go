package api

import (
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/common/pathsafe"
	"github.com/autodev/autodev/internal/project/models"
	"github.com/autodev/autodev/internal/project/store"
)

// rawLogTailBytes bounds how much of a raw session log is streamed back.
const rawLogTailBytes = 200 * 1024

func (h *Handlers) startAgent(c *gin.Context) {
	projectID := c.Param("id")
	if err := h.orch.StartAgent(c.Request.Context(), projectID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": projectID})
}

func (h *Handlers) stopAgent(c *gin.Context) {
	projectID := c.Param("id")
	if err := h.orch.StopAgent(c.Request.Context(), projectID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": projectID})
}

// listFeatures forces a disk sync before answering so the response always
// reflects the working directory, not the cache.
func (h *Handlers) listFeatures(c *gin.Context) {
	p, err := h.store.GetProject(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	features, _, err := store.ReadFeatureList(p.ProjectDir)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, gin.H{"features": []models.Feature{}})
			return
		}
		h.respondError(c, err)
		return
	}
	if err := h.store.SaveFeatures(p.ID, features); err != nil {
		h.logger.Warn("failed to cache features",
			zap.String("project_id", p.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"features": features})
}

func (h *Handlers) listSessions(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := h.store.GetProject(projectID); err != nil {
		h.respondError(c, err)
		return
	}
	sessions, err := h.store.LoadSessions(projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) listLogs(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := h.store.GetProject(projectID); err != nil {
		h.respondError(c, err)
		return
	}
	logs, err := h.store.LoadLogs(projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// getRawLog streams the tail of a session's verbatim child output. The file
// path must resolve under the raw-log directory.
func (h *Handlers) getRawLog(c *gin.Context) {
	projectID := c.Param("id")
	sessionID := c.Param("sessionId")

	session, err := h.store.GetSession(projectID, sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	path := session.LogFile
	if path == "" {
		path = h.store.RawLogPath(sessionID)
	}
	if err := pathsafe.CheckUnder(path, h.store.RawLogDir()); err != nil {
		h.respondError(c, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		h.respondError(c, errors.NotFound("raw log", sessionID))
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > rawLogTailBytes {
		if _, err := f.Seek(info.Size()-rawLogTailBytes, io.SeekStart); err != nil {
			h.respondError(c, errors.InternalError("failed to seek raw log", err))
			return
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		h.respondError(c, errors.InternalError("failed to read raw log", err))
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

type appendSpecRequest struct {
	Content string `json:"content"`
}

// appendSpec appends a fragment to the project spec and launches the
// append-initializer to extend the feature list.
func (h *Handlers) appendSpec(c *gin.Context) {
	var req appendSpecRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		h.respondError(c, errors.InvalidInput("content is required"))
		return
	}
	if err := h.orch.StartAppendInitializer(c.Request.Context(), c.Param("id"), req.Content); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"appended": true})
}

type reviewFeaturesRequest struct {
	FeatureIDs  []string `json:"featureIds"`
	Instruction string   `json:"instruction"`
}

// reviewFeatures launches a one-off review session over selected features.
func (h *Handlers) reviewFeatures(c *gin.Context) {
	var req reviewFeaturesRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.FeatureIDs) == 0 {
		h.respondError(c, errors.InvalidInput("featureIds is required"))
		return
	}
	if err := h.orch.StartReviewSession(c.Request.Context(), c.Param("id"), req.FeatureIDs, req.Instruction); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"review": "started"})
}

// confirmReview releases the post-initializer review gate.
func (h *Handlers) confirmReview(c *gin.Context) {
	if err := h.orch.ConfirmReview(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confirmed": true})
}
