// Package watcher reconciles each project's feature_list.json with the
// cached feature state on a fixed interval and drives the completion
// transition when every feature passes.
package watcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/orchestrator/state"
	"github.com/autodev/autodev/internal/project/models"
	"github.com/autodev/autodev/internal/project/store"
)

// SyncInterval is how often each watcher polls the feature list.
const SyncInterval = 3 * time.Second

// AgentStopper lets the watcher request an agent stop when a project
// completes. Implemented by the orchestrator.
type AgentStopper interface {
	StopAgent(ctx context.Context, projectID string) error
}

// Manager owns one watcher goroutine per watched project.
type Manager struct {
	store   *store.Store
	bus     bus.EventBus
	stopper AgentStopper
	logger  *logger.Logger

	mu       sync.Mutex
	watchers map[string]chan struct{}
}

// NewManager creates a watcher manager.
func NewManager(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		store:    st,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "watcher")),
		watchers: make(map[string]chan struct{}),
	}
}

// SetAgentStopper wires in the orchestrator. Must be called before Start.
func (m *Manager) SetAgentStopper(s AgentStopper) {
	m.stopper = s
}

// Start begins watching a project. Idempotent while a watcher is active.
func (m *Manager) Start(project *models.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[project.ID]; ok {
		return
	}
	stop := make(chan struct{})
	m.watchers[project.ID] = stop
	go m.run(project.ID, project.ProjectDir, stop)
	m.logger.Info("watcher started", zap.String("project_id", project.ID))
}

// Stop halts the project's watcher. Idempotent.
func (m *Manager) Stop(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.watchers[projectID]; ok {
		close(stop)
		delete(m.watchers, projectID)
		m.logger.Info("watcher stopped", zap.String("project_id", projectID))
	}
}

func (m *Manager) run(projectID, projectDir string, stop <-chan struct{}) {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if done := m.tick(projectID, projectDir); done {
				// The completion path already removed us from the map.
				return
			}
		}
	}
}

// tick performs one reconcile pass. Returns true when the project
// completed and the watcher should exit.
func (m *Manager) tick(projectID, projectDir string) bool {
	features, _, err := store.ReadFeatureList(projectDir)
	if err != nil {
		m.logger.Warn("failed to read feature list",
			zap.String("project_id", projectID), zap.Error(err))
		return false
	}

	cached, err := m.store.LoadFeatures(projectID)
	if err != nil {
		m.logger.Warn("failed to load cached features",
			zap.String("project_id", projectID), zap.Error(err))
		cached = nil
	}

	if featuresChanged(cached, features) {
		if err := m.store.SaveFeatures(projectID, features); err != nil {
			m.logger.Warn("failed to cache features",
				zap.String("project_id", projectID), zap.Error(err))
		}
		m.publish(projectID, bus.TypeFeaturesSync, features)
		for _, f := range passFlips(cached, features) {
			m.publish(projectID, bus.TypeFeatureUpdate, map[string]any{
				"featureId": f.ID,
				"passes":    f.Passes,
			})
		}
	}

	progress := models.ComputeProgress(features)
	m.publish(projectID, bus.TypeProgress, progress)

	if progress.Total > 0 && progress.Passed == progress.Total {
		m.complete(projectID)
		return true
	}
	return false
}

// featuresChanged reports whether the list differs from the cache in count
// or in any (passes, inProgress) pair.
func featuresChanged(cached, fresh []models.Feature) bool {
	if len(cached) != len(fresh) {
		return true
	}
	byID := make(map[string]models.Feature, len(cached))
	for _, f := range cached {
		byID[f.ID] = f
	}
	for _, f := range fresh {
		old, ok := byID[f.ID]
		if !ok || old.Passes != f.Passes || old.InProgress != f.InProgress {
			return true
		}
	}
	return false
}

// passFlips returns the fresh features whose passes flag differs from the
// cache. Features absent from the cache count only when already passing.
func passFlips(cached, fresh []models.Feature) []models.Feature {
	byID := make(map[string]models.Feature, len(cached))
	for _, f := range cached {
		byID[f.ID] = f
	}
	var flipped []models.Feature
	for _, f := range fresh {
		old, ok := byID[f.ID]
		if (!ok && f.Passes) || (ok && old.Passes != f.Passes) {
			flipped = append(flipped, f)
		}
	}
	return flipped
}

// complete transitions the project to completed and asks the orchestrator
// to stop its agents.
func (m *Manager) complete(projectID string) {
	m.mu.Lock()
	if stop, ok := m.watchers[projectID]; ok {
		close(stop)
		delete(m.watchers, projectID)
	}
	m.mu.Unlock()

	project, err := m.store.GetProject(projectID)
	if err != nil {
		m.logger.Error("failed to load project at completion",
			zap.String("project_id", projectID), zap.Error(err))
		return
	}
	if res := state.Apply(project.Status, state.Event{Type: state.EventSessionComplete, AllDone: true}); res.Next != nil {
		project.Status = *res.Next
		project.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveProject(project); err != nil {
			m.logger.Error("failed to persist completion",
				zap.String("project_id", projectID), zap.Error(err))
		}
		m.publish(projectID, bus.TypeStatus, string(project.Status))
	}

	m.logger.Info("all features passing, project complete",
		zap.String("project_id", projectID))
	if m.stopper != nil {
		if err := m.stopper.StopAgent(context.Background(), projectID); err != nil {
			m.logger.Warn("failed to stop agents after completion",
				zap.String("project_id", projectID), zap.Error(err))
		}
	}
}

func (m *Manager) publish(projectID, messageType string, payload any) {
	err := m.bus.Publish(context.Background(),
		bus.ProjectSubject(projectID, messageType),
		bus.NewEvent(messageType, projectID, payload))
	if err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("project_id", projectID),
			zap.String("type", messageType),
			zap.Error(err))
	}
}
