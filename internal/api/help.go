package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/project/models"
)

// humanResponseFile is written into the project working directory on help
// response so the next agent session can read the operator's guidance.
const humanResponseFile = ".human-response.md"

// listHelpRequests returns the project's pending help requests.
func (h *Handlers) listHelpRequests(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := h.store.GetProject(projectID); err != nil {
		h.respondError(c, err)
		return
	}
	reqs, err := h.store.LoadHelpRequests(projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	pending := make([]models.HelpRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.Status == models.HelpPending {
			pending = append(pending, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{"helpRequests": pending})
}

type helpResponseRequest struct {
	Response string `json:"response"`
}

// respondHelpRequest resolves a pending help request, writes the guidance
// file into the project directory, and auto-starts the project when it is
// neither running nor completed.
func (h *Handlers) respondHelpRequest(c *gin.Context) {
	projectID := c.Param("id")
	requestID := c.Param("requestId")

	var body helpResponseRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Response) == "" {
		h.respondError(c, errors.InvalidInput("response is required"))
		return
	}

	project, err := h.store.GetProject(projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	reqs, err := h.store.LoadHelpRequests(projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req *models.HelpRequest
	for i := range reqs {
		if reqs[i].ID == requestID {
			req = &reqs[i]
			break
		}
	}
	if req == nil {
		h.respondError(c, errors.NotFound("help request", requestID))
		return
	}
	if req.Status != models.HelpPending {
		h.respondError(c, errors.InvalidInput("help request is already resolved"))
		return
	}

	now := time.Now().UTC()
	req.Status = models.HelpResolved
	req.Response = body.Response
	req.ResolvedAt = &now
	if err := h.store.UpdateHelpRequest(projectID, *req); err != nil {
		h.respondError(c, err)
		return
	}

	if err := writeHumanResponse(project.ProjectDir, req); err != nil {
		h.logger.Warn("failed to write human response file",
			zap.String("project_id", projectID), zap.Error(err))
	}

	// Resume work if nothing is running and the project is not done.
	if !h.orch.IsRunning(projectID) && project.Status != models.StatusCompleted {
		if err := h.orch.StartAgent(c.Request.Context(), projectID); err != nil {
			h.logger.Warn("auto-start after help response failed",
				zap.String("project_id", projectID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, req)
}

// writeHumanResponse renders the guidance file: current task, problem,
// recent logs, and the operator's guidance.
func writeHumanResponse(projectDir string, req *models.HelpRequest) error {
	var b strings.Builder
	b.WriteString("# Human Response\n\n")

	b.WriteString("## Current Task\n\n")
	if req.FeatureID != "" {
		fmt.Fprintf(&b, "Feature %s: %s\n\n", req.FeatureID, req.FeatureDescription)
	} else {
		b.WriteString("No specific feature was claimed.\n\n")
	}

	b.WriteString("## Problem\n\n")
	b.WriteString(req.Message)
	b.WriteString("\n\n")

	if len(req.RecentLogs) > 0 {
		b.WriteString("## Recent Logs\n\n")
		for _, entry := range req.RecentLogs {
			fmt.Fprintf(&b, "- [%s] %s\n", entry.Kind, entry.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Guidance\n\n")
	b.WriteString(req.Response)
	b.WriteString("\n")

	return os.WriteFile(filepath.Join(projectDir, humanResponseFile), []byte(b.String()), 0o644)
}
