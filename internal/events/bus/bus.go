// Package bus provides the event fan-out layer between the orchestrator,
// the feature watchers, and the WebSocket gateway. The in-memory bus is the
// default; a NATS-backed bus is selected when nats.url is configured.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message type constants. Each maps to one WebSocket envelope variant.
const (
	TypeLog           = "log"
	TypeStatus        = "status"
	TypeProgress      = "progress"
	TypeFeaturesSync  = "features_sync"
	TypeFeatureUpdate = "feature_update"
	TypeSessionUpdate = "session_update"
	TypeAgentCount    = "agent_count"
	TypeHumanHelp     = "human_help"
)

// ProjectSubject returns the subject for one message type of one project.
func ProjectSubject(projectID, messageType string) string {
	return "project." + projectID + "." + messageType
}

// SubjectAllProjects matches every project-scoped subject.
const SubjectAllProjects = "project.>"

// Event is one message on the bus.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, projectID string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventHandler is invoked for each delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe contract shared by the in-memory and
// NATS implementations. Subject patterns use NATS wildcards: * matches one
// token, > matches the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
