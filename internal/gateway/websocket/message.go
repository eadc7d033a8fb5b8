// Package websocket provides the broadcast gateway. The orchestrator and
// watchers publish to the event bus; the hub subscribes and fans every
// project-scoped event out to connected clients.
package websocket

// Message is the envelope sent to clients.
type Message struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Payload   any    `json:"payload"`
}
