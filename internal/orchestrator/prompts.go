package orchestrator

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/autodev/autodev/internal/project/models"
)

// Prompt templates. The project spec and feature list files live in the
// agent's working directory, so the prompts point at them rather than
// inlining everything.
var promptTemplates = template.Must(template.New("prompts").Parse(`
{{define "initializer"}}You are setting up a new software project.

The project specification is in app_spec.txt:

{{.Spec}}

Read the specification and produce feature_list.json in the working
directory: a JSON array of features, each with "id", "category",
"description", "steps" (array of concrete verification steps), "passes"
(false initially), and "inProgress" (false). Cover the whole specification
with small, independently verifiable features. Then set up the project
skeleton (git repository on branch main, build tooling, directory layout)
so coding agents can start implementing features immediately.

Record overall progress notes in claude-progress.txt as you go.
{{end}}

{{define "coding"}}You are implementing features for an existing project.

The specification is in app_spec.txt and the feature list in
feature_list.json. Pick the first feature with "passes": false{{if .FeatureID}} - you are
assigned feature "{{.FeatureID}}": {{.FeatureDescription}}{{end}}, implement
it, verify every step listed for it, and only then set its "passes" field to
true in feature_list.json. Commit your work with a descriptive message.

If a human response file .human-response.md exists, read it first; it
answers a question a previous session asked.

If you are truly blocked and need a human decision, output a single line
containing [HUMAN_HELP] followed by your question, then stop working on
that feature.

Update claude-progress.txt with what you did.
{{end}}

{{define "agent-teams"}}You are running a development team for an existing project.

The specification is in app_spec.txt and the feature list in
feature_list.json. Work through all features with "passes": false in
parallel where sensible, delegating to subagents. Verify each feature's
steps before setting "passes" to true. Commit continuously on branch main
and keep claude-progress.txt current.

If you are truly blocked and need a human decision, output a single line
containing [HUMAN_HELP] followed by your question.
{{end}}

{{define "append"}}The project specification has been extended. The new
fragment has been appended to app_spec.txt:

{{.Fragment}}

Read the full specification and extend feature_list.json with features
covering the new fragment, following the existing entry format. Do not
modify or remove existing features. Do not implement anything yet.
{{end}}

{{define "review"}}Review the following features of this project before
implementation starts.

{{.FeaturesSummary}}

Operator instruction:
{{.Instruction}}

Update feature_list.json where the review finds gaps: refine descriptions
and steps, split oversized features, and add missing ones. Keep every
"passes" field false. Do not implement anything.
{{end}}
`))

type promptVars struct {
	Spec               string
	FeatureID          string
	FeatureDescription string
	Fragment           string
	Instruction        string
	FeaturesSummary    string
}

func renderPrompt(name string, vars promptVars) (string, error) {
	var sb strings.Builder
	if err := promptTemplates.ExecuteTemplate(&sb, name, vars); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// summarizeFeatures renders the selected features for the review prompt.
func summarizeFeatures(features []models.Feature, ids []string) string {
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}
	var sb strings.Builder
	for _, f := range features {
		if len(ids) > 0 && !selected[f.ID] {
			continue
		}
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", f.ID, f.Category, f.Description)
		for _, step := range f.Steps {
			fmt.Fprintf(&sb, "    - %s\n", step)
		}
	}
	return sb.String()
}
