package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/agent/provider"
	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/common/pathsafe"
	"github.com/autodev/autodev/internal/orchestrator"
	"github.com/autodev/autodev/internal/project/models"
	"github.com/autodev/autodev/internal/project/store"
)

// projectSummary is a project with its feature, session, and progress state
// folded in for list/get responses.
type projectSummary struct {
	*models.Project
	Features []models.Feature `json:"features"`
	Sessions []models.Session `json:"sessions"`
	Progress models.Progress  `json:"progress"`
}

func (h *Handlers) summarize(p *models.Project) projectSummary {
	features, err := h.store.LoadFeatures(p.ID)
	if err != nil {
		features = nil
	}
	sessions, err := h.store.LoadSessions(p.ID)
	if err != nil {
		sessions = nil
	}
	return projectSummary{
		Project:  p,
		Features: features,
		Sessions: sessions,
		Progress: models.ComputeProgress(features),
	}
}

func (h *Handlers) listProjects(c *gin.Context) {
	projects, err := h.store.ListProjects()
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, h.summarize(p))
	}
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

func (h *Handlers) getProject(c *gin.Context) {
	p, err := h.store.GetProject(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.summarize(p))
}

type createProjectRequest struct {
	Name               string         `json:"name"`
	Spec               string         `json:"spec"`
	ProjectDir         string         `json:"projectDir"`
	Provider           string         `json:"provider"`
	ProviderSettings   map[string]any `json:"providerSettings"`
	Model              string         `json:"model"`
	Concurrency        int            `json:"concurrency"`
	UseAgentTeams      bool           `json:"useAgentTeams"`
	SystemPrompt       string         `json:"systemPrompt"`
	ReviewBeforeCoding bool           `json:"reviewBeforeCoding"`
}

// buildProject validates the request and assembles a project record.
func (h *Handlers) buildProject(req createProjectRequest) (*models.Project, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.InvalidInput("name is required")
	}
	if strings.TrimSpace(req.ProjectDir) == "" {
		return nil, errors.InvalidInput("projectDir is required")
	}
	if err := pathsafe.Check(req.ProjectDir); err != nil {
		return nil, err
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = "claude"
	}
	if _, err := h.orch.Registry().Get(providerName); err != nil {
		return nil, err
	}

	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = models.MinConcurrency
	}
	now := time.Now().UTC()
	return &models.Project{
		ID:                 uuid.New().String(),
		Name:               req.Name,
		Spec:               req.Spec,
		Status:             models.StatusIdle,
		Provider:           providerName,
		ProviderSettings:   req.ProviderSettings,
		Model:              req.Model,
		Concurrency:        models.ClampConcurrency(concurrency),
		UseAgentTeams:      req.UseAgentTeams,
		SystemPrompt:       req.SystemPrompt,
		ReviewBeforeCoding: req.ReviewBeforeCoding,
		ProjectDir:         req.ProjectDir,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (h *Handlers) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidInput("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Spec) == "" {
		h.respondError(c, errors.InvalidInput("spec is required"))
		return
	}

	p, err := h.buildProject(req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := os.MkdirAll(p.ProjectDir, 0o755); err != nil {
		h.respondError(c, errors.InternalError("failed to create project directory", err))
		return
	}
	specPath := filepath.Join(p.ProjectDir, orchestrator.SpecFileName)
	if err := os.WriteFile(specPath, []byte(p.Spec), 0o644); err != nil {
		h.respondError(c, errors.InternalError("failed to write spec file", err))
		return
	}
	if err := h.store.SaveProject(p); err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("project created",
		zap.String("project_id", p.ID), zap.String("name", p.Name))
	c.JSON(http.StatusCreated, h.summarize(p))
}

// importProject registers an existing working directory as a project. The
// spec is read from app_spec.txt when absent from the request, and any
// feature_list.json present is synced into the cache.
func (h *Handlers) importProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidInput("invalid request body"))
		return
	}

	p, err := h.buildProject(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	info, err := os.Stat(p.ProjectDir)
	if err != nil || !info.IsDir() {
		h.respondError(c, errors.InvalidInput("projectDir does not exist or is not a directory"))
		return
	}

	if p.Spec == "" {
		if data, err := os.ReadFile(filepath.Join(p.ProjectDir, orchestrator.SpecFileName)); err == nil {
			p.Spec = string(data)
		}
	}

	if err := h.store.SaveProject(p); err != nil {
		h.respondError(c, err)
		return
	}
	if features, _, err := store.ReadFeatureList(p.ProjectDir); err == nil && len(features) > 0 {
		if err := h.store.SaveFeatures(p.ID, features); err != nil {
			h.logger.Warn("failed to cache imported features",
				zap.String("project_id", p.ID), zap.Error(err))
		}
	}

	h.logger.Info("project imported",
		zap.String("project_id", p.ID), zap.String("dir", p.ProjectDir))
	c.JSON(http.StatusCreated, h.summarize(p))
}

// deleteProject stops any running agents, then removes the persisted record.
// The working directory is left untouched.
func (h *Handlers) deleteProject(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := h.store.GetProject(projectID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.orch.StopAgent(c.Request.Context(), projectID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.store.DeleteProject(projectID); err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("project deleted", zap.String("project_id", projectID))
	c.JSON(http.StatusOK, gin.H{"deleted": projectID})
}

// providerInfo is the public description of one provider.
type providerInfo struct {
	Name         string                       `json:"name"`
	DisplayName  string                       `json:"displayName"`
	DefaultModel string                       `json:"defaultModel,omitempty"`
	Capabilities provider.Capabilities        `json:"capabilities"`
	Settings     []provider.SettingDescriptor `json:"settings,omitempty"`
}

func (h *Handlers) listProviders(c *gin.Context) {
	providers := h.orch.Registry().List()
	out := make([]providerInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerInfo{
			Name:         p.Name,
			DisplayName:  p.DisplayName,
			DefaultModel: p.DefaultModel,
			Capabilities: p.Capabilities,
			Settings:     p.Settings,
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

type probeDirRequest struct {
	Path string `json:"path"`
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// probeDir reports whether a sandbox-allowed path exists and lists its
// entries so the operator can pick a working directory.
func (h *Handlers) probeDir(c *gin.Context) {
	var req probeDirRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		h.respondError(c, errors.InvalidInput("path is required"))
		return
	}
	if err := pathsafe.Check(req.Path); err != nil {
		h.respondError(c, err)
		return
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"path": req.Path, "exists": false})
		return
	}
	resp := gin.H{"path": req.Path, "exists": true, "isDir": info.IsDir()}
	if info.IsDir() {
		entries, err := os.ReadDir(req.Path)
		if err == nil {
			out := make([]dirEntry, 0, len(entries))
			for _, e := range entries {
				out = append(out, dirEntry{Name: e.Name(), IsDir: e.IsDir()})
			}
			resp["entries"] = out
		}
	}
	c.JSON(http.StatusOK, resp)
}

type updateSystemPromptRequest struct {
	SystemPrompt string `json:"systemPrompt"`
}

func (h *Handlers) updateSystemPrompt(c *gin.Context) {
	var req updateSystemPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidInput("invalid request body"))
		return
	}
	p, err := h.store.GetProject(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	p.SystemPrompt = req.SystemPrompt
	p.UpdatedAt = time.Now().UTC()
	if err := h.store.SaveProject(p); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.summarize(p))
}
