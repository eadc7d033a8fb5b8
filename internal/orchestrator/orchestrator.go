// Package orchestrator drives the agent CLI child processes that build a
// project: it launches sessions, parses their output into the log stream,
// schedules follow-up sessions, coordinates branches and merges for
// parallel agents, and recovers orphaned children after a restart.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/agent/provider"
	"github.com/autodev/autodev/internal/common/config"
	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/orchestrator/gitops"
	"github.com/autodev/autodev/internal/orchestrator/state"
	"github.com/autodev/autodev/internal/project/models"
	"github.com/autodev/autodev/internal/project/store"
)

// WatcherManager is implemented by the feature watcher layer. The
// orchestrator starts a watcher when agents start and stops it on the
// transitions the status table marks.
type WatcherManager interface {
	Start(project *models.Project)
	Stop(projectID string)
}

// noopWatchers is used until a real manager is wired in.
type noopWatchers struct{}

func (noopWatchers) Start(*models.Project) {}
func (noopWatchers) Stop(string)           {}

// Orchestrator owns all running agent instances.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	store    *store.Store
	bus      bus.EventBus
	registry *provider.Registry
	git      *gitops.Gateway
	logger   *logger.Logger

	watchers WatcherManager

	mu     sync.Mutex
	agents map[string]map[int]*agentInstance

	claimsMu sync.Mutex
	claims   map[string]*claimTable
}

// New creates an orchestrator.
func New(cfg config.OrchestratorConfig, st *store.Store, eventBus bus.EventBus, registry *provider.Registry, git *gitops.Gateway, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		bus:      eventBus,
		registry: registry,
		git:      git,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		watchers: noopWatchers{},
		agents:   make(map[string]map[int]*agentInstance),
		claims:   make(map[string]*claimTable),
	}
}

// SetWatcherManager wires in the feature watcher layer.
func (o *Orchestrator) SetWatcherManager(w WatcherManager) {
	o.watchers = w
}

// Registry exposes the provider registry for the API layer.
func (o *Orchestrator) Registry() *provider.Registry {
	return o.registry
}

// IsRunning reports whether any agent is active for the project.
func (o *Orchestrator) IsRunning(projectID string) bool {
	return o.ActiveAgentCount(projectID) > 0
}

// ActiveAgentCount returns the number of live agent instances.
func (o *Orchestrator) ActiveAgentCount(projectID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.agents[projectID])
}

// StartAgent begins or resumes work on a project.
func (o *Orchestrator) StartAgent(ctx context.Context, projectID string) error {
	if o.IsRunning(projectID) {
		return errors.AlreadyRunning(projectID)
	}

	project, err := o.store.GetProject(projectID)
	if err != nil {
		return err
	}
	prov, err := o.registry.Get(project.Provider)
	if err != nil {
		return err
	}

	hasInit, err := o.hasCompletedInitializer(projectID)
	if err != nil {
		return err
	}

	res := state.Apply(project.Status, state.Event{Type: state.EventStart, HasInitialized: hasInit})
	if res.Next == nil {
		return errors.InvalidInput("project cannot be started from status " + string(project.Status))
	}
	o.setStatus(project, *res.Next)
	o.watchers.Start(project)

	if prov.Capabilities.AgentTeams && project.UseAgentTeams {
		if project.ReviewBeforeCoding && !hasInit {
			return o.launchInitializer(ctx, project, prov)
		}
		return o.launchAgentTeams(ctx, project, prov)
	}

	if !hasInit {
		return o.launchInitializer(ctx, project, prov)
	}
	return o.launchCoding(ctx, project, prov)
}

// launchCoding starts the coding sessions appropriate for the project's
// concurrency setting.
func (o *Orchestrator) launchCoding(ctx context.Context, project *models.Project, prov provider.Provider) error {
	concurrency := models.ClampConcurrency(project.Concurrency)
	if concurrency == 1 {
		return o.launchCodingSession(ctx, project, prov, 0)
	}

	features, _, err := store.ReadFeatureList(project.ProjectDir)
	if err != nil {
		return err
	}
	unfinished := 0
	for _, f := range features {
		if !f.Passes {
			unfinished++
		}
	}
	n := concurrency
	if unfinished < n {
		n = unfinished
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-time.After(o.cfg.StaggerDelay()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := o.launchParallelSession(ctx, project, prov, i); err != nil {
			o.logger.Error("failed to launch parallel session",
				zap.String("project_id", project.ID),
				zap.Int("agent_index", i),
				zap.Error(err))
		}
	}
	return nil
}

// StopAgent stops all running agents for a project.
func (o *Orchestrator) StopAgent(ctx context.Context, projectID string) error {
	o.mu.Lock()
	instances := make([]*agentInstance, 0, len(o.agents[projectID]))
	for _, inst := range o.agents[projectID] {
		instances = append(instances, inst)
	}
	o.mu.Unlock()

	if len(instances) > 0 {
		for _, inst := range instances {
			inst.markStopped()
			inst.terminate(o.cfg.StopGrace())
		}
	} else {
		// Nothing in memory. If persisted state says agents should be
		// running, they are orphans from a previous process.
		if err := o.stopPersistedSessions(projectID); err != nil {
			return err
		}
		if project, err := o.store.GetProject(projectID); err == nil {
			if res := state.Apply(project.Status, state.Event{Type: state.EventStop, AllAgentsStopped: true}); res.Next != nil {
				o.setStatus(project, *res.Next)
			}
		}
	}

	o.clearClaims(projectID)
	o.git.Stop(projectID)
	o.watchers.Stop(projectID)
	return nil
}

// ConfirmReview releases the review gate and starts coding.
func (o *Orchestrator) ConfirmReview(ctx context.Context, projectID string) error {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return err
	}
	res := state.Apply(project.Status, state.Event{Type: state.EventReviewConfirmed})
	if res.Next == nil {
		return errors.InvalidInput("project is not awaiting review")
	}
	prov, err := o.registry.Get(project.Provider)
	if err != nil {
		return err
	}
	o.setStatus(project, *res.Next)

	if prov.Capabilities.AgentTeams && project.UseAgentTeams {
		return o.launchAgentTeams(ctx, project, prov)
	}
	return o.launchCoding(ctx, project, prov)
}

// StartAppendInitializer appends a spec fragment and runs a one-off
// initializer to extend the feature list. Runs under the reserved agent
// index so it never collides with coding slots.
func (o *Orchestrator) StartAppendInitializer(ctx context.Context, projectID, fragment string) error {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return err
	}
	prov, err := o.registry.Get(project.Provider)
	if err != nil {
		return err
	}
	if o.agentActive(projectID, models.AgentIndexAppend) {
		return errors.AlreadyRunning(projectID)
	}

	if err := appendSpecFile(project.ProjectDir, fragment); err != nil {
		return err
	}
	project.Spec = project.Spec + specSeparator + fragment
	project.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveProject(project); err != nil {
		return err
	}

	prompt, err := renderPrompt("append", promptVars{Fragment: fragment})
	if err != nil {
		return err
	}
	return o.launchSession(ctx, project, prov, launchParams{
		Kind:       models.SessionKindInitializer,
		AgentIndex: models.AgentIndexAppend,
		Prompt:     prompt,
	})
}

// StartReviewSession runs a one-off child that reviews selected features
// with an operator instruction, under the reserved review index.
func (o *Orchestrator) StartReviewSession(ctx context.Context, projectID string, featureIDs []string, instruction string) error {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return err
	}
	prov, err := o.registry.Get(project.Provider)
	if err != nil {
		return err
	}
	if o.agentActive(projectID, models.AgentIndexReview) {
		return errors.AlreadyRunning(projectID)
	}

	features, _, err := store.ReadFeatureList(project.ProjectDir)
	if err != nil {
		return err
	}
	prompt, err := renderPrompt("review", promptVars{
		FeaturesSummary: summarizeFeatures(features, featureIDs),
		Instruction:     instruction,
	})
	if err != nil {
		return err
	}
	return o.launchSession(ctx, project, prov, launchParams{
		Kind:       models.SessionKindCoding,
		AgentIndex: models.AgentIndexReview,
		Prompt:     prompt,
	})
}

func (o *Orchestrator) agentActive(projectID string, agentIndex int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.agents[projectID][agentIndex]
	return ok
}

// hasCompletedInitializer reports whether any initializer session finished
// successfully for the project.
func (o *Orchestrator) hasCompletedInitializer(projectID string) (bool, error) {
	sessions, err := o.store.LoadSessions(projectID)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.Kind == models.SessionKindInitializer && s.Status == models.SessionCompleted {
			return true, nil
		}
	}
	return false, nil
}

// setStatus persists and broadcasts a project status change.
func (o *Orchestrator) setStatus(project *models.Project, status models.ProjectStatus) {
	project.Status = status
	project.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveProject(project); err != nil {
		o.logger.Error("failed to persist status",
			zap.String("project_id", project.ID), zap.Error(err))
	}
	o.publish(project.ID, bus.TypeStatus, string(status))
}

// publish sends one project-scoped event to the bus.
func (o *Orchestrator) publish(projectID, messageType string, payload any) {
	err := o.bus.Publish(context.Background(),
		bus.ProjectSubject(projectID, messageType),
		bus.NewEvent(messageType, projectID, payload))
	if err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("project_id", projectID),
			zap.String("type", messageType),
			zap.Error(err))
	}
}

// broadcastAgentCount reports the live agent count for a project.
func (o *Orchestrator) broadcastAgentCount(projectID string, total int) {
	o.publish(projectID, bus.TypeAgentCount, map[string]int{
		"active": o.ActiveAgentCount(projectID),
		"total":  total,
	})
}
