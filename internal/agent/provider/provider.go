// Package provider defines the CLI agent adapter contract and the built-in
// adapters for claude, codex, and opencode. An adapter is a value holding
// pure functions: it builds the child argv/env for a launch and parses one
// line of child stdout into a normalized event. Adapters hold no state.
package provider

import (
	"sort"

	"github.com/autodev/autodev/internal/common/errors"
)

// EventKind classifies a normalized agent event.
type EventKind string

// Event kinds
const (
	EventText       EventKind = "text"
	EventThinking   EventKind = "thinking"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventSystem     EventKind = "system"
	EventError      EventKind = "error"
	EventIgnore     EventKind = "ignore"
)

// Content caps applied before events are persisted or broadcast.
const (
	MaxTextLen       = 800
	MaxSystemLen     = 500
	MaxToolInputLen  = 200
	MaxToolResultLen = 500
)

// Event is one normalized unit of agent output.
type Event struct {
	Kind      EventKind
	Content   string
	ToolName  string
	ToolInput string
}

// Capped returns a copy of the event with the per-kind content caps applied.
func (e Event) Capped() Event {
	switch e.Kind {
	case EventText, EventThinking:
		e.Content = Truncate(e.Content, MaxTextLen)
	case EventToolResult:
		e.Content = Truncate(e.Content, MaxToolResultLen)
	case EventSystem, EventError:
		e.Content = Truncate(e.Content, MaxSystemLen)
	}
	e.ToolInput = Truncate(e.ToolInput, MaxToolInputLen)
	return e
}

// Truncate bounds s to max runes, replacing the tail with an ellipsis when
// the input is longer.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// LaunchSpec carries everything an adapter needs to build argv and env for
// one child process.
type LaunchSpec struct {
	Prompt       string
	Model        string
	MaxTurns     int
	SystemPrompt string
	AgentTeams   bool
	Settings     map[string]any
}

// setting returns a string-typed provider setting or the fallback.
func (l LaunchSpec) setting(key, fallback string) string {
	if v, ok := l.Settings[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// Capabilities describes what a provider's CLI supports.
type Capabilities struct {
	Streaming      bool `json:"streaming"`
	MaxTurns       bool `json:"maxTurns"`
	SystemPrompt   bool `json:"systemPrompt"`
	AgentTeams     bool `json:"agentTeams"`
	ModelSelection bool `json:"modelSelection"`
	DangerousMode  bool `json:"dangerousMode"`
}

// SettingType enumerates the value types a provider setting may take.
type SettingType string

// Setting types
const (
	SettingBoolean SettingType = "boolean"
	SettingString  SettingType = "string"
	SettingSelect  SettingType = "select"
	SettingNumber  SettingType = "number"
)

// SettingDescriptor describes one provider-specific setting for the UI.
type SettingDescriptor struct {
	Key         string      `json:"key"`
	Label       string      `json:"label"`
	Description string      `json:"description,omitempty"`
	Type        SettingType `json:"type"`
	Default     any         `json:"default,omitempty"`
	Options     []string    `json:"options,omitempty"`
	Min         *float64    `json:"min,omitempty"`
	Max         *float64    `json:"max,omitempty"`
}

// Provider is a stateless adapter for one agent CLI.
type Provider struct {
	Name         string
	DisplayName  string
	Binary       string
	DefaultModel string
	Capabilities Capabilities
	Settings     []SettingDescriptor

	// BuildArgs returns the deterministic argument vector for a launch.
	BuildArgs func(LaunchSpec) []string

	// BuildEnv returns extra environment variables merged on top of the
	// host environment. May be nil.
	BuildEnv func(LaunchSpec) map[string]string

	// ParseLine converts one stdout line into a normalized event. It is
	// total: it never errors, and returns nil only for empty input.
	ParseLine func(line string) *Event

	// IsSuccessExit classifies the child's exit code.
	IsSuccessExit func(code int) bool

	// IsNoiseLine optionally pre-filters lines before parsing. May be nil.
	IsNoiseLine func(line string) bool
}

// Registry holds the known providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name] = p
	}
	return r
}

// DefaultRegistry returns a registry with all built-in adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(Claude(), Codex(), Opencode())
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return Provider{}, errors.NotFound("provider", name)
	}
	return p, nil
}

// List returns all providers sorted by name.
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
