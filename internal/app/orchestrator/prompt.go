package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"autopilot/internal/domain/task"
)

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{"join": strings.Join}).Parse(`You are working through a backlog of software tasks. Complete exactly the task below, then stop.

Task ID: {{.Task.ID}}
Title: {{.Task.Title}}
Priority: {{.Task.Priority}}
{{- if .Task.Feature}}
Feature: {{.Task.Feature}}
{{- end}}
{{- if .Task.ParentID}}
Parent task: {{.Task.ParentID}}
{{- end}}
{{- if .Task.DependsOn}}
Completed prerequisites: {{join .Task.DependsOn ", "}}
{{- end}}
{{if .Task.Description}}
Description:
{{.Task.Description}}
{{end}}
{{- if .Task.Metadata}}
Context:
{{- range $key, $value := .Task.Metadata}}
- {{$key}}: {{$value}}
{{- end}}
{{end}}
{{- if gt .Attempt 1}}
This is attempt {{.Attempt}} of {{.MaxRetries}}. Earlier attempts failed; check the working tree for partial changes before starting over.
{{end}}
When the task is done, exit with status 0. If you cannot complete it, explain why and exit with a non-zero status.
`))

type promptData struct {
	Task       task.Task
	Attempt    int
	MaxRetries int
}

// BuildPrompt renders the agent prompt for t. attempt is 1-based.
func BuildPrompt(t task.Task, attempt, maxRetries int) (string, error) {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, promptData{Task: t, Attempt: attempt, MaxRetries: maxRetries}); err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", t.ID, err)
	}
	return b.String(), nil
}

// slotFiles returns the prompt and output paths for one slot in one round.
// Paths never collide between slots of the same run.
func slotFiles(runDir string, iteration, worker int) (promptFile, outputFile string) {
	base := filepath.Join(runDir, fmt.Sprintf("iter-%04d-worker-%02d", iteration, worker))
	return base + ".prompt.md", base + ".output.log"
}
