package orchestrator

import (
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/orchestrator/state"
	"github.com/autodev/autodev/internal/project/models"
)

// InitRecovery cleans up after a previous process: any project left in an
// active status has its still-running sessions' children killed, sessions
// marked stopped, and status set to paused. Must run before the API starts
// serving so no start request races the cleanup.
func (o *Orchestrator) InitRecovery() error {
	projects, err := o.store.ListProjects()
	if err != nil {
		return err
	}

	recovered := 0
	killed := 0
	for _, project := range projects {
		switch project.Status {
		case models.StatusRunning, models.StatusInitializing, models.StatusReviewing:
		default:
			continue
		}

		n, err := o.stopOrphanSessions(project.ID)
		if err != nil {
			o.logger.Error("failed to recover project sessions",
				zap.String("project_id", project.ID), zap.Error(err))
			continue
		}
		killed += n

		if res := state.Apply(project.Status, state.Event{Type: state.EventStop, AllAgentsStopped: true}); res.Next != nil {
			o.setStatus(project, *res.Next)
		}
		o.clearClaims(project.ID)
		recovered++
	}

	if recovered > 0 {
		o.logger.Info("startup recovery complete",
			zap.Int("projects_recovered", recovered),
			zap.Int("processes_killed", killed))
	}
	return nil
}

// stopPersistedSessions is the StopAgent fallback when no in-memory agents
// exist: walk persisted running sessions and terminate any live orphans.
func (o *Orchestrator) stopPersistedSessions(projectID string) error {
	_, err := o.stopOrphanSessions(projectID)
	return err
}

// stopOrphanSessions terminates live pids of persisted running sessions and
// marks those sessions stopped. Returns the number of processes killed.
func (o *Orchestrator) stopOrphanSessions(projectID string) (int, error) {
	sessions, err := o.store.LoadSessions(projectID)
	if err != nil {
		return 0, err
	}

	killed := 0
	for i := range sessions {
		s := &sessions[i]
		if s.Status != models.SessionRunning {
			continue
		}
		if s.PID > 0 && processAlive(s.PID) {
			killPid(s.PID, o.cfg.KillGrace())
			killed++
			o.logger.Info("terminated orphan agent process",
				zap.String("project_id", projectID),
				zap.String("session_id", s.ID),
				zap.Int("pid", s.PID))
		}
		now := time.Now().UTC()
		s.Status = models.SessionStopped
		s.EndedAt = &now
		if err := o.store.UpsertSession(projectID, *s); err != nil {
			o.logger.Error("failed to persist recovered session",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	return killed, nil
}

// processAlive tests pid liveness with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// killPid sends SIGTERM and escalates to SIGKILL after the grace period if
// the process is still alive.
func killPid(pid int, grace time.Duration) {
	_ = syscall.Kill(pid, syscall.SIGTERM)
	go func() {
		time.Sleep(grace)
		if processAlive(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}()
}
