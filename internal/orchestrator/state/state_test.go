package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/project/models"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name        string
		current     models.ProjectStatus
		ev          Event
		wantNext    models.ProjectStatus
		wantNoMove  bool
		stopWatcher bool
	}{
		{
			name:     "start uninitialized goes to initializing",
			current:  models.StatusIdle,
			ev:       Event{Type: EventStart},
			wantNext: models.StatusInitializing,
		},
		{
			name:     "start initialized goes to running",
			current:  models.StatusPaused,
			ev:       Event{Type: EventStart, HasInitialized: true},
			wantNext: models.StatusRunning,
		},
		{
			name:     "start from completed restarts",
			current:  models.StatusCompleted,
			ev:       Event{Type: EventStart, HasInitialized: true},
			wantNext: models.StatusRunning,
		},
		{
			name:     "start from error restarts",
			current:  models.StatusError,
			ev:       Event{Type: EventStart},
			wantNext: models.StatusInitializing,
		},
		{
			name:       "start while running is no transition",
			current:    models.StatusRunning,
			ev:         Event{Type: EventStart, HasInitialized: true},
			wantNoMove: true,
		},
		{
			name:     "init complete without review",
			current:  models.StatusInitializing,
			ev:       Event{Type: EventInitComplete, HasFeatures: true},
			wantNext: models.StatusRunning,
		},
		{
			name:     "init complete with review gate",
			current:  models.StatusInitializing,
			ev:       Event{Type: EventInitComplete, HasFeatures: true, ReviewMode: true},
			wantNext: models.StatusReviewing,
		},
		{
			name:       "init complete without features is no transition",
			current:    models.StatusInitializing,
			ev:         Event{Type: EventInitComplete},
			wantNoMove: true,
		},
		{
			name:        "init failed",
			current:     models.StatusInitializing,
			ev:          Event{Type: EventInitFailed},
			wantNext:    models.StatusError,
			stopWatcher: true,
		},
		{
			name:     "review confirmed",
			current:  models.StatusReviewing,
			ev:       Event{Type: EventReviewConfirmed},
			wantNext: models.StatusRunning,
		},
		{
			name:       "review confirmed outside reviewing is no transition",
			current:    models.StatusRunning,
			ev:         Event{Type: EventReviewConfirmed},
			wantNoMove: true,
		},
		{
			name:        "all sessions complete",
			current:     models.StatusRunning,
			ev:          Event{Type: EventSessionComplete, AllDone: true},
			wantNext:    models.StatusCompleted,
			stopWatcher: true,
		},
		{
			name:       "session complete with work remaining",
			current:    models.StatusRunning,
			ev:         Event{Type: EventSessionComplete},
			wantNoMove: true,
		},
		{
			name:        "stop with all agents down",
			current:     models.StatusRunning,
			ev:          Event{Type: EventStop, AllAgentsStopped: true},
			wantNext:    models.StatusPaused,
			stopWatcher: true,
		},
		{
			name:       "stop with agents still up is no transition",
			current:    models.StatusRunning,
			ev:         Event{Type: EventStop},
			wantNoMove: true,
		},
		{
			name:        "error from any status",
			current:     models.StatusReviewing,
			ev:          Event{Type: EventError},
			wantNext:    models.StatusError,
			stopWatcher: true,
		},
		{
			name:       "session failed never advances",
			current:    models.StatusRunning,
			ev:         Event{Type: EventSessionFailed},
			wantNoMove: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Apply(tt.current, tt.ev)
			if tt.wantNoMove {
				assert.Nil(t, res.Next)
				assert.False(t, res.StopWatcher)
				return
			}
			require.NotNil(t, res.Next)
			assert.Equal(t, tt.wantNext, *res.Next)
			assert.Equal(t, tt.stopWatcher, res.StopWatcher)
		})
	}
}

func TestApplyIsPure(t *testing.T) {
	ev := Event{Type: EventStart, HasInitialized: true}
	first := Apply(models.StatusIdle, ev)
	second := Apply(models.StatusIdle, ev)
	require.NotNil(t, first.Next)
	require.NotNil(t, second.Next)
	assert.Equal(t, *first.Next, *second.Next)
}
