package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// claude stream-json line shapes. Only the fields the parser reads are
// declared; everything else passes through json.RawMessage.
type claudeLine struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype"`
	Message *claudeMessage `json:"message"`
	Result  string         `json:"result"`
	IsError bool           `json:"is_error"`
}

type claudeMessage struct {
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

// System subtypes that carry no information the UI needs.
var claudeNoiseSubtypes = map[string]bool{
	"hook_started":  true,
	"hook_response": true,
	"init":          true,
	"config":        true,
}

// Claude returns the adapter for the claude CLI in stream-json mode.
func Claude() Provider {
	return Provider{
		Name:         "claude",
		DisplayName:  "Claude Code",
		Binary:       "claude",
		DefaultModel: "claude-sonnet-4-5",
		Capabilities: Capabilities{
			Streaming:      true,
			MaxTurns:       true,
			SystemPrompt:   true,
			AgentTeams:     true,
			ModelSelection: true,
			DangerousMode:  true,
		},
		Settings: []SettingDescriptor{
			{
				Key:         "disallowedTools",
				Label:       "Disallowed tools",
				Description: "Comma-separated tool names the agent may not use",
				Type:        SettingString,
			},
		},
		BuildArgs:     claudeArgs,
		BuildEnv:      nil,
		ParseLine:     parseClaudeLine,
		IsSuccessExit: func(code int) bool { return code == 0 },
		IsNoiseLine:   nil,
	}
}

func claudeArgs(spec LaunchSpec) []string {
	args := []string{"-p", spec.Prompt, "--output-format", "stream-json", "--verbose"}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(spec.MaxTurns))
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	args = append(args, "--dangerously-skip-permissions")
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	if tools := spec.setting("disallowedTools", ""); tools != "" {
		args = append(args, "--disallowedTools")
		args = append(args, strings.Split(tools, ",")...)
	}
	return args
}

// parseClaudeLine normalizes one stream-json line. Plain text falls back to
// a system event and unrecognized JSON to a thinking summary, so the parser
// never loses output.
func parseClaudeLine(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var parsed claudeLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		if strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
			return &Event{Kind: EventThinking, Content: SummarizeJSON(line)}
		}
		return &Event{Kind: EventSystem, Content: line}
	}

	switch parsed.Type {
	case "assistant":
		return claudeAssistantEvent(parsed.Message)
	case "system":
		if claudeNoiseSubtypes[parsed.Subtype] {
			return &Event{Kind: EventIgnore}
		}
		content := parsed.Subtype
		if content == "" {
			content = line
		}
		return &Event{Kind: EventSystem, Content: content}
	case "result":
		content := parsed.Result
		if content == "" {
			content = parsed.Subtype
		}
		if parsed.IsError || parsed.Subtype == "error" {
			return &Event{Kind: EventError, Content: content}
		}
		return &Event{Kind: EventSystem, Content: content}
	case "user":
		// Tool results come back on user turns.
		return claudeToolResultEvent(line)
	default:
		return &Event{Kind: EventThinking, Content: SummarizeJSON(line)}
	}
}

func claudeAssistantEvent(msg *claudeMessage) *Event {
	if msg == nil || len(msg.Content) == 0 {
		return &Event{Kind: EventIgnore}
	}

	var texts []string
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			return &Event{
				Kind:      EventToolUse,
				ToolName:  block.Name,
				ToolInput: compactJSON(block.Input),
			}
		case "thinking":
			if block.Thinking != "" {
				return &Event{Kind: EventThinking, Content: block.Thinking}
			}
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
	}
	if len(texts) == 0 {
		return &Event{Kind: EventIgnore}
	}
	joined := strings.Join(texts, "\n")

	// Assistants occasionally echo raw JSON instead of prose. Collapse it
	// into a short transient summary rather than flooding the log.
	trimmed := strings.TrimSpace(joined)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			return &Event{Kind: EventThinking, Content: SummarizeJSON(trimmed)}
		}
	}
	return &Event{Kind: EventText, Content: joined}
}

// claudeToolResultEvent extracts tool_result blocks from a user turn.
func claudeToolResultEvent(line string) *Event {
	var parsed struct {
		Message *struct {
			Content []struct {
				Type    string          `json:"type"`
				Content json.RawMessage `json:"content"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil || parsed.Message == nil {
		return &Event{Kind: EventIgnore}
	}
	for _, block := range parsed.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		var text string
		if err := json.Unmarshal(block.Content, &text); err != nil {
			text = compactJSON(block.Content)
		}
		return &Event{Kind: EventToolResult, Content: text}
	}
	return &Event{Kind: EventIgnore}
}

// compactJSON renders raw JSON as a single line, empty on nil input.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// salientParam picks the most informative value out of a tool input for
// one-line summaries.
func salientParam(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "command", "pattern", "query", "url", "prompt", "description"} {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	for _, v := range input {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// formatToolCall renders a "name → param" summary for a tool invocation.
func formatToolCall(name string, input map[string]any) string {
	param := salientParam(input)
	if param == "" {
		return name
	}
	return fmt.Sprintf("%s → %s", name, param)
}
