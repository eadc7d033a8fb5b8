package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// codex exec --json line shapes.
type codexLine struct {
	Type string     `json:"type"`
	Item *codexItem `json:"item"`
}

type codexItem struct {
	ItemType string          `json:"item_type"`
	Text     string          `json:"text"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Output   string          `json:"output"`
	Command  string          `json:"command"`
	ExitCode *int            `json:"exit_code"`
}

// Codex returns the adapter for the codex CLI in exec --json mode.
func Codex() Provider {
	return Provider{
		Name:         "codex",
		DisplayName:  "Codex",
		Binary:       "codex",
		DefaultModel: "gpt-5-codex",
		Capabilities: Capabilities{
			Streaming:      true,
			ModelSelection: true,
			DangerousMode:  true,
		},
		Settings: []SettingDescriptor{
			{
				Key:         "sandbox",
				Label:       "Sandbox mode",
				Description: "Filesystem and network restrictions for executed commands",
				Type:        SettingSelect,
				Default:     "workspace-write",
				Options:     []string{"read-only", "workspace-write", "danger-full-access"},
			},
		},
		BuildArgs:     codexArgs,
		BuildEnv:      nil,
		ParseLine:     parseCodexLine,
		IsSuccessExit: func(code int) bool { return code == 0 },
		IsNoiseLine:   nil,
	}
}

func codexArgs(spec LaunchSpec) []string {
	args := []string{"exec", "--json"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	args = append(args, "--sandbox", spec.setting("sandbox", "workspace-write"))
	args = append(args, spec.Prompt)
	return args
}

// parseCodexLine normalizes one exec --json line. Items are reported on
// item.completed; item.started is dropped to avoid duplicates, except for
// command executions where the final line carries the exit code anyway.
func parseCodexLine(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var parsed codexLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		if strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
			return &Event{Kind: EventThinking, Content: SummarizeJSON(line)}
		}
		return &Event{Kind: EventSystem, Content: line}
	}

	switch parsed.Type {
	case "item.started":
		return &Event{Kind: EventIgnore}
	case "item.completed":
		return codexItemEvent(parsed.Item)
	case "error":
		return &Event{Kind: EventError, Content: line}
	default:
		return &Event{Kind: EventIgnore}
	}
}

func codexItemEvent(item *codexItem) *Event {
	if item == nil {
		return &Event{Kind: EventIgnore}
	}
	switch item.ItemType {
	case "agent_message":
		return &Event{Kind: EventText, Content: item.Text}
	case "reasoning":
		return &Event{Kind: EventThinking, Content: item.Text}
	case "tool_call":
		return &Event{
			Kind:      EventToolUse,
			ToolName:  item.Name,
			ToolInput: compactJSON(item.Input),
		}
	case "tool_call_output":
		return &Event{Kind: EventToolResult, Content: item.Output}
	case "command_execution":
		// One compact line per command, with the outcome folded in.
		content := "$ " + item.Command
		if item.ExitCode != nil {
			content = fmt.Sprintf("%s (exit %d)", content, *item.ExitCode)
		}
		return &Event{Kind: EventSystem, Content: content}
	default:
		return &Event{Kind: EventIgnore}
	}
}
