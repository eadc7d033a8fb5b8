// Package models defines the core domain types for autodev projects,
// features, sessions, log entries, and help requests.
package models

import "time"

// ProjectStatus is the lifecycle status of a project.
type ProjectStatus string

// Project statuses
const (
	StatusIdle         ProjectStatus = "idle"
	StatusInitializing ProjectStatus = "initializing"
	StatusReviewing    ProjectStatus = "reviewing"
	StatusRunning      ProjectStatus = "running"
	StatusPaused       ProjectStatus = "paused"
	StatusCompleted    ProjectStatus = "completed"
	StatusError        ProjectStatus = "error"
)

// SessionKind identifies what a child process was launched for.
type SessionKind string

// Session kinds
const (
	SessionKindInitializer SessionKind = "initializer"
	SessionKindCoding      SessionKind = "coding"
	SessionKindAgentTeams  SessionKind = "agent-teams"
)

// SessionStatus is the lifecycle status of a single agent session.
type SessionStatus string

// Session statuses
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
)

// LogKind classifies a normalized log entry.
type LogKind string

// Log entry kinds
const (
	LogAssistant  LogKind = "assistant"
	LogToolUse    LogKind = "tool_use"
	LogToolResult LogKind = "tool_result"
	LogThinking   LogKind = "thinking"
	LogSystem     LogKind = "system"
	LogError      LogKind = "error"
)

// HelpRequestStatus is the lifecycle status of a help request.
type HelpRequestStatus string

// Help request statuses
const (
	HelpPending  HelpRequestStatus = "pending"
	HelpResolved HelpRequestStatus = "resolved"
)

// Concurrency bounds for parallel coding agents.
const (
	MinConcurrency = 1
	MaxConcurrency = 8
)

// Reserved agent indexes for out-of-band sessions. The concurrency clamp
// keeps the main slots at 0..7, so these never collide.
const (
	AgentIndexReview = 98
	AgentIndexAppend = 99
)

// Project is the durable record of one orchestrated project.
type Project struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Spec               string            `json:"spec"`
	Status             ProjectStatus     `json:"status"`
	Provider           string            `json:"provider"`
	ProviderSettings   map[string]any    `json:"providerSettings,omitempty"`
	Model              string            `json:"model,omitempty"`
	Concurrency        int               `json:"concurrency"`
	UseAgentTeams      bool              `json:"useAgentTeams"`
	SystemPrompt       string            `json:"systemPrompt,omitempty"`
	ReviewBeforeCoding bool              `json:"reviewBeforeCoding,omitempty"`
	ProjectDir         string            `json:"projectDir"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// ClampConcurrency bounds n to [MinConcurrency, MaxConcurrency].
func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// Feature is one granular unit of work. The authoritative copy lives in
// feature_list.json under the project working directory; the persistence
// layer keeps a cache for fast reads.
type Feature struct {
	ID            string     `json:"id"`
	Category      string     `json:"category"`
	Description   string     `json:"description"`
	Steps         []string   `json:"steps"`
	Passes        bool       `json:"passes"`
	InProgress    bool       `json:"inProgress"`
	FailCount     int        `json:"failCount,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// Session records one child-process lifecycle.
type Session struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"projectId"`
	Kind       SessionKind   `json:"kind"`
	Status     SessionStatus `json:"status"`
	AgentIndex int           `json:"agentIndex"`
	FeatureID  string        `json:"featureId,omitempty"`
	Branch     string        `json:"branch,omitempty"`
	PID        int           `json:"pid,omitempty"`
	LogFile    string        `json:"logFile,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`
}

// LogEntry is one normalized event from an agent's output stream.
// Entries with Temporary=true are broadcast but never persisted.
type LogEntry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       LogKind   `json:"kind"`
	Content    string    `json:"content"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolInput  string    `json:"toolInput,omitempty"`
	AgentIndex int       `json:"agentIndex"`
	Temporary  bool      `json:"temporary,omitempty"`
}

// HelpRequest is a persisted request for operator guidance, raised either
// by an explicit [HUMAN_HELP] marker or by the loop detector.
type HelpRequest struct {
	ID                 string            `json:"id"`
	ProjectID          string            `json:"projectId"`
	SessionID          string            `json:"sessionId"`
	AgentIndex         int               `json:"agentIndex"`
	Message            string            `json:"message"`
	Status             HelpRequestStatus `json:"status"`
	Response           string            `json:"response,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	ResolvedAt         *time.Time        `json:"resolvedAt,omitempty"`
	FeatureID          string            `json:"featureId,omitempty"`
	FeatureDescription string            `json:"featureDescription,omitempty"`
	RecentLogs         []LogEntry        `json:"recentLogs,omitempty"`
}

// Progress summarizes feature completion for a project.
type Progress struct {
	Total      int     `json:"total"`
	Passed     int     `json:"passed"`
	Percentage float64 `json:"percentage"`
}

// ComputeProgress derives a Progress from a feature list.
func ComputeProgress(features []Feature) Progress {
	p := Progress{Total: len(features)}
	for _, f := range features {
		if f.Passes {
			p.Passed++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Passed) / float64(p.Total) * 100
	}
	return p
}
