// Package state holds the pure project status transition table. Apply has
// no side effects; the orchestrator interprets the result.
package state

import "github.com/autodev/autodev/internal/project/models"

// EventType enumerates the inputs to the status machine.
type EventType string

// Status machine events
const (
	EventStart           EventType = "START"
	EventInitComplete    EventType = "INIT_COMPLETE"
	EventInitFailed      EventType = "INIT_FAILED"
	EventReviewConfirmed EventType = "REVIEW_CONFIRMED"
	EventSessionComplete EventType = "SESSION_COMPLETE"
	EventSessionFailed   EventType = "SESSION_FAILED"
	EventStop            EventType = "STOP"
	EventError           EventType = "ERROR"
)

// Event is one status machine input with its guards.
type Event struct {
	Type EventType

	// HasInitialized guards START: true when features already exist.
	HasInitialized bool

	// HasFeatures guards INIT_COMPLETE.
	HasFeatures bool

	// ReviewMode guards INIT_COMPLETE: true routes through reviewing.
	ReviewMode bool

	// AllDone guards SESSION_COMPLETE.
	AllDone bool

	// AllAgentsStopped guards STOP.
	AllAgentsStopped bool
}

// Result is the outcome of applying an event. Next is nil when no
// transition applies.
type Result struct {
	Next        *models.ProjectStatus
	StopWatcher bool
}

func transition(s models.ProjectStatus, stopWatcher bool) Result {
	return Result{Next: &s, StopWatcher: stopWatcher}
}

// Apply evaluates one event against the current status. Unmatched
// combinations return the zero Result. SESSION_FAILED never advances
// status; retry policy lives outside this table.
func Apply(current models.ProjectStatus, ev Event) Result {
	switch ev.Type {
	case EventStart:
		switch current {
		case models.StatusIdle, models.StatusPaused, models.StatusCompleted, models.StatusError:
			if ev.HasInitialized {
				return transition(models.StatusRunning, false)
			}
			return transition(models.StatusInitializing, false)
		}

	case EventInitComplete:
		if current == models.StatusInitializing && ev.HasFeatures {
			if ev.ReviewMode {
				return transition(models.StatusReviewing, false)
			}
			return transition(models.StatusRunning, false)
		}

	case EventInitFailed:
		if current == models.StatusInitializing {
			return transition(models.StatusError, true)
		}

	case EventReviewConfirmed:
		if current == models.StatusReviewing {
			return transition(models.StatusRunning, false)
		}

	case EventSessionComplete:
		if current == models.StatusRunning && ev.AllDone {
			return transition(models.StatusCompleted, true)
		}

	case EventStop:
		if ev.AllAgentsStopped {
			return transition(models.StatusPaused, true)
		}

	case EventError:
		return transition(models.StatusError, true)
	}

	return Result{}
}
