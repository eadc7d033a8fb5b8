package provider

import (
	"encoding/json"
	"strings"
)

// MaxSummaryLen bounds a JSON summary line.
const MaxSummaryLen = 200

// SummarizeJSON collapses a JSON blob into a compact one-line summary. It
// is total over its input: anything that does not parse comes back as a
// truncated copy of the raw string.
//
// Shapes handled, in order:
//   - object with a "content" array: joined per-block summaries
//     ("tool → param" for tool_use blocks, a text prefix otherwise)
//   - single tool_use object: "name → param"
//   - any other object: "type · model · stop_reason" from whichever of
//     those keys are present
func SummarizeJSON(blob string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(blob), &obj); err != nil {
		return Truncate(strings.TrimSpace(blob), MaxSummaryLen)
	}

	if content, ok := obj["content"].([]any); ok {
		var parts []string
		for _, raw := range content {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if s := summarizeBlock(block); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return Truncate(strings.Join(parts, ", "), MaxSummaryLen)
		}
	}

	if name, ok := obj["name"].(string); ok && obj["type"] == "tool_use" {
		return Truncate(formatToolCall(name, inputMap(obj)), MaxSummaryLen)
	}

	var fields []string
	for _, key := range []string{"type", "model", "stop_reason"} {
		if v, ok := obj[key].(string); ok && v != "" {
			fields = append(fields, v)
		}
	}
	if len(fields) == 0 {
		return Truncate(strings.TrimSpace(blob), MaxSummaryLen)
	}
	return Truncate(strings.Join(fields, " · "), MaxSummaryLen)
}

func summarizeBlock(block map[string]any) string {
	switch block["type"] {
	case "tool_use":
		name, _ := block["name"].(string)
		if name == "" {
			return ""
		}
		return formatToolCall(name, inputMap(block))
	case "text":
		text, _ := block["text"].(string)
		return Truncate(strings.TrimSpace(text), 60)
	default:
		return ""
	}
}

func inputMap(obj map[string]any) map[string]any {
	if input, ok := obj["input"].(map[string]any); ok {
		return input
	}
	return nil
}
