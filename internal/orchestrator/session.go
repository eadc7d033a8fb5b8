package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/agent/provider"
	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/orchestrator/gitops"
	"github.com/autodev/autodev/internal/orchestrator/state"
	"github.com/autodev/autodev/internal/project/models"
	"github.com/autodev/autodev/internal/project/store"
)

const (
	// agentTeamsMaxTurns gives the single teams session room to work the
	// whole feature list in one run.
	agentTeamsMaxTurns = 1000

	// helpContextLogLines is how many recent log lines a help request
	// snapshots.
	helpContextLogLines = 8

	// humanHelpMarker flags an explicit request for operator input.
	humanHelpMarker = "[HUMAN_HELP]"

	// specSeparator joins appended spec fragments in app_spec.txt.
	specSeparator = "\n\n---\n\n"

	// SpecFileName is the on-disk project specification inside the
	// working directory.
	SpecFileName = "app_spec.txt"

	// stdout lines can be large; match the store's log line bound.
	scanBufferSize = 1024 * 1024
)

// agentInstance is one live child process. The slot in the agents map is
// reserved before the child spawns, so cmd is nil until Start succeeds.
type agentInstance struct {
	sessionID  string
	agentIndex int
	done       chan struct{}

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
}

func (a *agentInstance) setCmd(cmd *exec.Cmd) {
	a.mu.Lock()
	a.cmd = cmd
	a.mu.Unlock()
}

func (a *agentInstance) markStopped() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

func (a *agentInstance) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// terminate sends SIGTERM and escalates to SIGKILL if the process is still
// alive after the grace period. A no-op while the child has not spawned.
func (a *agentInstance) terminate(grace time.Duration) {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-a.done:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
		}
	}()
}

// rawLog serializes writes from the stdout and stderr pumps into the
// verbatim session log file.
type rawLog struct {
	mu sync.Mutex
	f  *os.File
}

func (r *rawLog) writeLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.f, line)
}

func (r *rawLog) close(footer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.f, footer)
	r.f.Close()
}

type launchParams struct {
	Kind               models.SessionKind
	AgentIndex         int
	Prompt             string
	MaxTurns           int
	FeatureID          string
	FeatureDescription string
	Branch             string
}

func (o *Orchestrator) launchInitializer(ctx context.Context, project *models.Project, prov provider.Provider) error {
	prompt, err := renderPrompt("initializer", promptVars{Spec: project.Spec})
	if err != nil {
		return err
	}
	return o.launchSession(ctx, project, prov, launchParams{
		Kind:   models.SessionKindInitializer,
		Prompt: prompt,
	})
}

func (o *Orchestrator) launchAgentTeams(ctx context.Context, project *models.Project, prov provider.Provider) error {
	prompt, err := renderPrompt("agent-teams", promptVars{Spec: project.Spec})
	if err != nil {
		return err
	}
	return o.launchSession(ctx, project, prov, launchParams{
		Kind:     models.SessionKindAgentTeams,
		Prompt:   prompt,
		MaxTurns: agentTeamsMaxTurns,
	})
}

func (o *Orchestrator) launchCodingSession(ctx context.Context, project *models.Project, prov provider.Provider, agentIndex int) error {
	prompt, err := renderPrompt("coding", promptVars{})
	if err != nil {
		return err
	}
	return o.launchSession(ctx, project, prov, launchParams{
		Kind:       models.SessionKindCoding,
		AgentIndex: agentIndex,
		Prompt:     prompt,
	})
}

// launchParallelSession claims a feature, branches for it, and launches a
// coding session bound to that feature.
func (o *Orchestrator) launchParallelSession(ctx context.Context, project *models.Project, prov provider.Provider, agentIndex int) error {
	feature, err := o.ClaimFeature(project, agentIndex)
	if err != nil {
		return err
	}
	if feature == nil {
		o.logger.Info("no unclaimed feature available",
			zap.String("project_id", project.ID),
			zap.Int("agent_index", agentIndex))
		return nil
	}

	branch := gitops.AgentBranch(agentIndex, feature.ID)
	if err := o.git.CreateBranch(ctx, project.ID, project.ProjectDir, branch); err != nil {
		o.ReleaseClaim(project, feature.ID)
		return err
	}

	prompt, err := renderPrompt("coding", promptVars{
		FeatureID:          feature.ID,
		FeatureDescription: feature.Description,
	})
	if err != nil {
		o.ReleaseClaim(project, feature.ID)
		return err
	}
	err = o.launchSession(ctx, project, prov, launchParams{
		Kind:               models.SessionKindCoding,
		AgentIndex:         agentIndex,
		Prompt:             prompt,
		FeatureID:          feature.ID,
		FeatureDescription: feature.Description,
		Branch:             branch,
	})
	if err != nil {
		o.ReleaseClaim(project, feature.ID)
	}
	return err
}

// launchSession runs the spawn pipeline: session record, raw log, child
// process, registration, pumps. It returns once the child is started; the
// pumps and exit handling run on their own goroutines.
func (o *Orchestrator) launchSession(ctx context.Context, project *models.Project, prov provider.Provider, params launchParams) error {
	session := models.Session{
		ID:         uuid.New().String(),
		ProjectID:  project.ID,
		Kind:       params.Kind,
		Status:     models.SessionRunning,
		AgentIndex: params.AgentIndex,
		FeatureID:  params.FeatureID,
		Branch:     params.Branch,
		StartedAt:  time.Now().UTC(),
	}

	// Reserve the (project, index) slot before any side effects. A second
	// launch into an occupied slot must fail here instead of replacing a
	// tracked child.
	inst := &agentInstance{
		sessionID:  session.ID,
		agentIndex: params.AgentIndex,
		done:       make(chan struct{}),
	}
	o.mu.Lock()
	if o.agents[project.ID] == nil {
		o.agents[project.ID] = make(map[int]*agentInstance)
	}
	if _, occupied := o.agents[project.ID][params.AgentIndex]; occupied {
		o.mu.Unlock()
		return errors.AlreadyRunning(project.ID)
	}
	o.agents[project.ID][params.AgentIndex] = inst
	o.mu.Unlock()

	if err := o.store.UpsertSession(project.ID, session); err != nil {
		o.releaseSlot(project.ID, params.AgentIndex, inst)
		return err
	}

	log := o.logger.WithProjectID(project.ID).WithSessionID(session.ID)

	spec := provider.LaunchSpec{
		Prompt:       params.Prompt,
		Model:        project.Model,
		MaxTurns:     params.MaxTurns,
		SystemPrompt: project.SystemPrompt,
		AgentTeams:   params.Kind == models.SessionKindAgentTeams,
		Settings:     project.ProviderSettings,
	}
	args := prov.BuildArgs(spec)

	logPath := o.store.RawLogPath(session.ID)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		o.releaseSlot(project.ID, params.AgentIndex, inst)
		return o.failSpawn(project, session, errors.InternalError("failed to open raw log", err))
	}
	raw := &rawLog{f: f}
	raw.writeLine(fmt.Sprintf("=== session %s (%s, agent %d) started %s ===",
		session.ID, params.Kind, params.AgentIndex, session.StartedAt.Format(time.RFC3339)))
	raw.writeLine(fmt.Sprintf("=== command: %s %s ===", prov.Binary, strings.Join(args, " ")))

	cmd := exec.Command(prov.Binary, args...)
	cmd.Dir = project.ProjectDir
	cmd.Stdin = nil
	cmd.Env = os.Environ()
	if prov.BuildEnv != nil {
		for k, v := range prov.BuildEnv(spec) {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		raw.close("=== spawn failed ===")
		o.releaseSlot(project.ID, params.AgentIndex, inst)
		return o.failSpawn(project, session, errors.SpawnFailure(err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		raw.close("=== spawn failed ===")
		o.releaseSlot(project.ID, params.AgentIndex, inst)
		return o.failSpawn(project, session, errors.SpawnFailure(err))
	}
	if err := cmd.Start(); err != nil {
		raw.close("=== spawn failed ===")
		o.releaseSlot(project.ID, params.AgentIndex, inst)
		return o.failSpawn(project, session, errors.SpawnFailure(err))
	}

	inst.setCmd(cmd)
	if inst.isStopped() {
		// A stop arrived between the reservation and the spawn.
		inst.terminate(o.cfg.StopGrace())
	}

	session.PID = cmd.Process.Pid
	session.LogFile = logPath
	if err := o.store.UpsertSession(project.ID, session); err != nil {
		log.Error("failed to persist session pid", zap.Error(err))
	}

	log.Info("agent session started",
		zap.String("kind", string(params.Kind)),
		zap.Int("agent_index", params.AgentIndex),
		zap.Int("pid", session.PID))
	o.publish(project.ID, bus.TypeSessionUpdate, session)
	o.broadcastAgentCount(project.ID, models.ClampConcurrency(project.Concurrency))

	firstOutput := make(chan struct{})
	go o.firstOutputHeartbeat(project, session, firstOutput)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		o.pumpStdout(project, session, prov, inst, raw, stdout, firstOutput)
	}()
	go func() {
		defer pumps.Done()
		o.pumpStderr(project, session, raw, stderr)
	}()

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		close(inst.done)
		o.finishSession(project, prov, params, session, inst, raw, err)
	}()
	return nil
}

// releaseSlot frees a (project, index) slot if it still holds this instance.
func (o *Orchestrator) releaseSlot(projectID string, agentIndex int, inst *agentInstance) {
	o.mu.Lock()
	if o.agents[projectID][agentIndex] == inst {
		delete(o.agents[projectID], agentIndex)
		if len(o.agents[projectID]) == 0 {
			delete(o.agents, projectID)
		}
	}
	o.mu.Unlock()
}

// failSpawn records a failed launch and moves the project to error.
func (o *Orchestrator) failSpawn(project *models.Project, session models.Session, spawnErr error) error {
	now := time.Now().UTC()
	session.Status = models.SessionFailed
	session.EndedAt = &now
	if err := o.store.UpsertSession(project.ID, session); err != nil {
		o.logger.Error("failed to persist failed session", zap.Error(err))
	}
	if res := state.Apply(project.Status, state.Event{Type: state.EventError}); res.Next != nil {
		o.setStatus(project, *res.Next)
		if res.StopWatcher {
			o.watchers.Stop(project.ID)
		}
	}
	o.appendLogEntry(project.ID, models.LogEntry{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		Timestamp:  now,
		Kind:       models.LogError,
		Content:    spawnErr.Error(),
		AgentIndex: session.AgentIndex,
	})
	return spawnErr
}

// firstOutputHeartbeat emits a waiting notice if the child stays silent.
func (o *Orchestrator) firstOutputHeartbeat(project *models.Project, session models.Session, firstOutput <-chan struct{}) {
	select {
	case <-firstOutput:
	case <-time.After(o.cfg.FirstOutputTimeout()):
		o.appendLogEntry(project.ID, models.LogEntry{
			ID:         uuid.New().String(),
			SessionID:  session.ID,
			Timestamp:  time.Now().UTC(),
			Kind:       models.LogSystem,
			Content:    "waiting for agent output...",
			AgentIndex: session.AgentIndex,
		})
	}
}

// pumpStdout streams child stdout: verbatim into the raw log, parsed into
// the normalized log stream.
func (o *Orchestrator) pumpStdout(project *models.Project, session models.Session, prov provider.Provider, inst *agentInstance, raw *rawLog, r io.Reader, firstOutput chan struct{}) {
	detector := newLoopDetector(o.cfg.LoopSimilarity)
	signaled := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		raw.writeLine(line)
		if !signaled {
			signaled = true
			close(firstOutput)
		}
		if prov.IsNoiseLine != nil && prov.IsNoiseLine(line) {
			continue
		}
		ev := prov.ParseLine(line)
		if ev == nil {
			continue
		}
		o.handleEvent(project, session, inst, detector, *ev)
	}
	if err := scanner.Err(); err != nil {
		// An oversized line stops the scanner; keep draining so the child
		// never blocks on a full pipe.
		raw.writeLine(fmt.Sprintf("=== stdout scan stopped: %v; draining remainder ===", err))
		_, _ = io.Copy(io.Discard, r)
	}
	if !signaled {
		close(firstOutput)
	}
}

// pumpStderr streams child stderr into the raw log and the error channel.
func (o *Orchestrator) pumpStderr(project *models.Project, session models.Session, raw *rawLog, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		raw.writeLine("[STDERR] " + line)
		if strings.TrimSpace(line) == "" {
			continue
		}
		o.appendLogEntry(project.ID, models.LogEntry{
			ID:         uuid.New().String(),
			SessionID:  session.ID,
			Timestamp:  time.Now().UTC(),
			Kind:       models.LogError,
			Content:    provider.Truncate(line, provider.MaxSystemLen),
			AgentIndex: session.AgentIndex,
		})
	}
	if err := scanner.Err(); err != nil {
		raw.writeLine(fmt.Sprintf("=== stderr scan stopped: %v; draining remainder ===", err))
		_, _ = io.Copy(io.Discard, r)
	}
}

// handleEvent applies the broadcast rules to one parsed event: ignore is
// dropped, thinking is broadcast transiently, everything else is capped,
// persisted, and broadcast. Text events additionally feed help-marker and
// loop detection.
func (o *Orchestrator) handleEvent(project *models.Project, session models.Session, inst *agentInstance, detector *loopDetector, ev provider.Event) {
	switch ev.Kind {
	case provider.EventIgnore:
		return
	case provider.EventThinking:
		o.publish(project.ID, bus.TypeLog, models.LogEntry{
			ID:         uuid.New().String(),
			SessionID:  session.ID,
			Timestamp:  time.Now().UTC(),
			Kind:       models.LogThinking,
			Content:    provider.Truncate(ev.Content, provider.MaxTextLen),
			AgentIndex: session.AgentIndex,
			Temporary:  true,
		})
		return
	}

	capped := ev.Capped()
	entry := models.LogEntry{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		Timestamp:  time.Now().UTC(),
		Kind:       logKindFor(capped.Kind),
		Content:    capped.Content,
		ToolName:   capped.ToolName,
		ToolInput:  capped.ToolInput,
		AgentIndex: session.AgentIndex,
	}
	o.appendLogEntry(project.ID, entry)

	if ev.Kind != provider.EventText {
		return
	}

	if idx := strings.Index(ev.Content, humanHelpMarker); idx >= 0 {
		msg := strings.TrimSpace(ev.Content[idx+len(humanHelpMarker):])
		o.createHelpRequest(project, session, msg)
	}

	if detector.Observe(ev.Content) {
		detector.Reset()
		o.logger.WithProjectID(project.ID).WithSessionID(session.ID).
			Error("loop detected, terminating agent")
		o.appendLogEntry(project.ID, models.LogEntry{
			ID:         uuid.New().String(),
			SessionID:  session.ID,
			Timestamp:  time.Now().UTC(),
			Kind:       models.LogError,
			Content:    "Loop detected: the agent is repeating itself. Terminating the session.",
			AgentIndex: session.AgentIndex,
		})
		o.createHelpRequest(project, session, fmt.Sprintf(
			"The agent appears stuck in a loop repeating %q and was terminated. Please advise how to proceed.",
			provider.Truncate(strings.TrimSpace(ev.Content), provider.MaxSummaryLen)))
		inst.terminate(o.cfg.KillGrace())
	}
}

// logKindFor maps a provider event kind onto the log entry taxonomy. Text
// events are assistant prose; the remaining kinds share their names.
func logKindFor(kind provider.EventKind) models.LogKind {
	if kind == provider.EventText {
		return models.LogAssistant
	}
	return models.LogKind(kind)
}

// appendLogEntry persists one entry and broadcasts it.
func (o *Orchestrator) appendLogEntry(projectID string, entry models.LogEntry) {
	if err := o.store.AppendLog(projectID, entry); err != nil {
		o.logger.Warn("failed to append log entry",
			zap.String("project_id", projectID), zap.Error(err))
	}
	o.publish(projectID, bus.TypeLog, entry)
}

// createHelpRequest records a pending help request with feature context and
// a snapshot of the session's recent log lines. Best-effort: failures are
// logged and never interrupt the stream.
func (o *Orchestrator) createHelpRequest(project *models.Project, session models.Session, message string) {
	req := models.HelpRequest{
		ID:         uuid.New().String(),
		ProjectID:  project.ID,
		SessionID:  session.ID,
		AgentIndex: session.AgentIndex,
		Message:    message,
		Status:     models.HelpPending,
		CreatedAt:  time.Now().UTC(),
		FeatureID:  session.FeatureID,
	}
	if session.FeatureID != "" {
		if features, _, err := store.ReadFeatureList(project.ProjectDir); err == nil {
			for _, f := range features {
				if f.ID == session.FeatureID {
					req.FeatureDescription = f.Description
					break
				}
			}
		}
	}
	if logs, err := o.store.LoadLogs(project.ID); err == nil {
		var recent []models.LogEntry
		for _, entry := range logs {
			if entry.SessionID == session.ID {
				recent = append(recent, entry)
			}
		}
		if len(recent) > helpContextLogLines {
			recent = recent[len(recent)-helpContextLogLines:]
		}
		req.RecentLogs = recent
	}

	if err := o.store.AddHelpRequest(project.ID, req); err != nil {
		o.logger.Warn("failed to persist help request",
			zap.String("project_id", project.ID), zap.Error(err))
		return
	}
	o.publish(project.ID, bus.TypeHumanHelp, req)
}

// finishSession closes out one child: final status, feature reconcile,
// merge-back for parallel sessions, and chaining.
func (o *Orchestrator) finishSession(project *models.Project, prov provider.Provider, params launchParams, session models.Session, inst *agentInstance, raw *rawLog, waitErr error) {
	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	now := time.Now().UTC()
	switch {
	case inst.isStopped():
		session.Status = models.SessionStopped
	case prov.IsSuccessExit(exitCode):
		session.Status = models.SessionCompleted
	default:
		session.Status = models.SessionFailed
	}
	session.EndedAt = &now
	raw.close(fmt.Sprintf("=== session ended %s (exit %d, %s) ===",
		now.Format(time.RFC3339), exitCode, session.Status))

	if err := o.store.UpsertSession(project.ID, session); err != nil {
		o.logger.Error("failed to persist session end", zap.Error(err))
	}

	o.releaseSlot(project.ID, params.AgentIndex, inst)

	o.logger.WithProjectID(project.ID).WithSessionID(session.ID).Info("agent session ended",
		zap.String("status", string(session.Status)),
		zap.Int("exit_code", exitCode))
	o.publish(project.ID, bus.TypeSessionUpdate, session)
	o.broadcastAgentCount(project.ID, models.ClampConcurrency(project.Concurrency))

	// Reconcile features from disk and broadcast progress.
	features := o.reconcileFeatures(project)

	if params.Branch != "" {
		o.mergeParallelBranch(project, session)
		o.ReleaseClaim(project, params.FeatureID)
	}

	// Reserved-index sessions (append, review) do not chain or drive
	// status; they just refresh the feature list.
	if params.AgentIndex == models.AgentIndexAppend || params.AgentIndex == models.AgentIndexReview {
		o.publish(project.ID, bus.TypeFeaturesSync, features)
		return
	}

	fresh, err := o.store.GetProject(project.ID)
	if err != nil {
		o.logger.Error("failed to reload project after session",
			zap.String("project_id", project.ID), zap.Error(err))
		return
	}

	switch params.Kind {
	case models.SessionKindInitializer:
		o.finishInitializer(fresh, prov, inst, features)
	default:
		o.finishWorkSession(fresh, prov, params, session, inst, features)
	}
}

// reconcileFeatures refreshes the feature cache from the authoritative
// on-disk list and broadcasts progress.
func (o *Orchestrator) reconcileFeatures(project *models.Project) []models.Feature {
	features, _, err := store.ReadFeatureList(project.ProjectDir)
	if err != nil {
		o.logger.Warn("failed to read feature list",
			zap.String("project_id", project.ID), zap.Error(err))
		cached, _ := o.store.LoadFeatures(project.ID)
		return cached
	}
	if err := o.store.SaveFeatures(project.ID, features); err != nil {
		o.logger.Warn("failed to cache features",
			zap.String("project_id", project.ID), zap.Error(err))
	}
	o.publish(project.ID, bus.TypeProgress, models.ComputeProgress(features))
	return features
}

// mergeParallelBranch merges a parallel agent's branch back into main after
// a clean exit. A conflict aborts the merge and is reported loudly; no
// automatic resolution is attempted.
func (o *Orchestrator) mergeParallelBranch(project *models.Project, session models.Session) {
	ctx := context.Background()
	if session.Status != models.SessionCompleted {
		return
	}
	if err := o.git.MergeNoFF(ctx, project.ID, project.ProjectDir, session.Branch); err != nil {
		o.appendLogEntry(project.ID, models.LogEntry{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Timestamp: time.Now().UTC(),
			Kind:      models.LogError,
			Content: fmt.Sprintf("MERGE CONFLICT: could not merge %s into %s: %v. The merge was aborted; manual resolution required.",
				session.Branch, gitops.DefaultBranch, err),
			AgentIndex: session.AgentIndex,
		})
		return
	}
	if err := o.git.DeleteBranch(ctx, project.ID, project.ProjectDir, session.Branch); err != nil {
		o.logger.Warn("failed to delete merged branch",
			zap.String("project_id", project.ID),
			zap.String("branch", session.Branch),
			zap.Error(err))
	}
}

// finishInitializer handles the init-outcome transitions and starts coding
// when the gate allows.
func (o *Orchestrator) finishInitializer(project *models.Project, prov provider.Provider, inst *agentInstance, features []models.Feature) {
	if inst.isStopped() {
		o.transitionIfIdle(project)
		return
	}

	if len(features) == 0 {
		if res := state.Apply(project.Status, state.Event{Type: state.EventInitFailed}); res.Next != nil {
			o.setStatus(project, *res.Next)
			if res.StopWatcher {
				o.watchers.Stop(project.ID)
			}
		}
		return
	}

	res := state.Apply(project.Status, state.Event{
		Type:        state.EventInitComplete,
		HasFeatures: true,
		ReviewMode:  project.ReviewBeforeCoding,
	})
	if res.Next == nil {
		return
	}
	o.setStatus(project, *res.Next)
	o.publish(project.ID, bus.TypeFeaturesSync, features)

	if *res.Next != models.StatusRunning {
		return
	}
	ctx := context.Background()
	if prov.Capabilities.AgentTeams && project.UseAgentTeams {
		if err := o.launchAgentTeams(ctx, project, prov); err != nil {
			o.logger.Error("failed to start agent-teams session",
				zap.String("project_id", project.ID), zap.Error(err))
		}
		return
	}
	if err := o.launchCoding(ctx, project, prov); err != nil {
		o.logger.Error("failed to start coding sessions",
			zap.String("project_id", project.ID), zap.Error(err))
	}
}

// finishWorkSession handles coding and agent-teams exits: completion,
// pause, error, or chaining the next session.
func (o *Orchestrator) finishWorkSession(project *models.Project, prov provider.Provider, params launchParams, session models.Session, inst *agentInstance, features []models.Feature) {
	allDone := len(features) > 0
	for _, f := range features {
		if !f.Passes {
			allDone = false
			break
		}
	}

	if allDone {
		if res := state.Apply(project.Status, state.Event{Type: state.EventSessionComplete, AllDone: true}); res.Next != nil {
			o.setStatus(project, *res.Next)
			if res.StopWatcher {
				o.watchers.Stop(project.ID)
			}
		}
		return
	}

	if inst.isStopped() {
		o.transitionIfIdle(project)
		return
	}

	// An agent-teams child that dies without finishing the feature list is
	// a hard failure; there is no narrower unit to retry.
	if params.Kind == models.SessionKindAgentTeams && session.Status == models.SessionFailed {
		if res := state.Apply(project.Status, state.Event{Type: state.EventError}); res.Next != nil {
			o.setStatus(project, *res.Next)
			if res.StopWatcher {
				o.watchers.Stop(project.ID)
			}
		}
		return
	}

	if len(features) == 0 || project.Status != models.StatusRunning {
		return
	}

	// Chain the next session for this slot after a short delay.
	go func() {
		time.Sleep(o.cfg.ChainDelay())
		fresh, err := o.store.GetProject(project.ID)
		if err != nil || fresh.Status != models.StatusRunning {
			return
		}
		ctx := context.Background()
		var launchErr error
		switch {
		case params.Kind == models.SessionKindAgentTeams:
			launchErr = o.launchAgentTeams(ctx, fresh, prov)
		case models.ClampConcurrency(fresh.Concurrency) > 1:
			launchErr = o.launchParallelSession(ctx, fresh, prov, params.AgentIndex)
		default:
			launchErr = o.launchCodingSession(ctx, fresh, prov, 0)
		}
		if launchErr != nil {
			o.logger.Error("failed to chain next session",
				zap.String("project_id", project.ID), zap.Error(launchErr))
		}
	}()
}

// transitionIfIdle moves a project to paused once its last agent is gone.
func (o *Orchestrator) transitionIfIdle(project *models.Project) {
	if o.IsRunning(project.ID) {
		return
	}
	if res := state.Apply(project.Status, state.Event{Type: state.EventStop, AllAgentsStopped: true}); res.Next != nil {
		o.setStatus(project, *res.Next)
		if res.StopWatcher {
			o.watchers.Stop(project.ID)
		}
	}
}

// appendSpecFile appends a fragment to app_spec.txt with a separator.
func appendSpecFile(projectDir, fragment string) error {
	path := filepath.Join(projectDir, SpecFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.InternalError("failed to open spec file", err)
	}
	defer f.Close()
	if _, err := f.WriteString(specSeparator + fragment + "\n"); err != nil {
		return errors.InternalError("failed to append to spec file", err)
	}
	return nil
}
