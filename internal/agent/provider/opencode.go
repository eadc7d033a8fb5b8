package provider

import (
	"encoding/json"
	"strings"
)

// opencode run --format json line shapes.
type opencodeLine struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
	Error *opencodeError  `json:"error"`
}

type opencodeError struct {
	Message string `json:"message"`
}

// Opencode returns the adapter for the opencode CLI in run --format json
// mode. The CLI is not a streaming protocol; output arrives as a burst of
// JSON lines when the run finishes.
func Opencode() Provider {
	return Provider{
		Name:         "opencode",
		DisplayName:  "OpenCode",
		Binary:       "opencode",
		DefaultModel: "",
		Capabilities: Capabilities{
			ModelSelection: true,
		},
		BuildArgs:     opencodeArgs,
		BuildEnv:      nil,
		ParseLine:     parseOpencodeLine,
		IsSuccessExit: func(code int) bool { return code == 0 },
		IsNoiseLine:   nil,
	}
}

func opencodeArgs(spec LaunchSpec) []string {
	args := []string{"run", "--format", "json"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	args = append(args, spec.Prompt)
	return args
}

func parseOpencodeLine(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var parsed opencodeLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		if strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
			return &Event{Kind: EventThinking, Content: SummarizeJSON(line)}
		}
		return &Event{Kind: EventSystem, Content: line}
	}

	switch {
	case parsed.Type == "text":
		return &Event{Kind: EventText, Content: parsed.Text}
	case parsed.Type == "tool_use":
		name := parsed.Name
		if name == "" {
			name = parsed.Tool
		}
		return &Event{
			Kind:      EventToolUse,
			ToolName:  name,
			ToolInput: compactJSON(parsed.Input),
		}
	case parsed.Type == "error":
		msg := line
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return &Event{Kind: EventError, Content: msg}
	case strings.HasPrefix(parsed.Type, "step_"):
		return &Event{Kind: EventIgnore}
	default:
		return &Event{Kind: EventIgnore}
	}
}
