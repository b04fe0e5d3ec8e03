// Package prompt turns events into text for the assistant.
//
// Only failing workflow runs and manual triggers need the assistant's
// attention; every other kind renders to nothing.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"ambient/internal/events"
)

const workflowFailureTemplate = `CI build or tests failed

Workflow: {{.WorkflowName}} (Run #{{.RunNumber}})
{{- if .HeadBranch}}
Branch: {{.HeadBranch}}
{{- end}}
Conclusion: {{.Conclusion}}
{{- if .HTMLURL}}
URL: {{.HTMLURL}}
{{- end}}

Latest commit:
- Author: {{or .HeadCommit.Author "unknown"}}
- Message: {{firstLine .HeadCommit.Message}}
- SHA: {{shortSHA .HeadCommit.SHA}}

Task: find the cause of the failure and propose a fix.`

const manualTriggerTemplate = `Manual analysis request ({{or .Type "manual"}})

{{.Content}}`

// Renderer holds the parsed templates. The zero value is not usable; call New.
type Renderer struct {
	workflow *template.Template
	manual   *template.Template
}

var funcs = template.FuncMap{
	"shortSHA": func(sha string) string {
		if len(sha) > 7 {
			return sha[:7]
		}
		return sha
	},
	"firstLine": func(s string) string {
		line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
		return line
	},
}

// New parses the built-in templates.
func New() *Renderer {
	return &Renderer{
		workflow: template.Must(template.New("workflow_failure").Funcs(funcs).Parse(workflowFailureTemplate)),
		manual:   template.Must(template.New("manual_trigger").Funcs(funcs).Parse(manualTriggerTemplate)),
	}
}

// Render returns the prompt for ev and true, or "" and false when the event
// needs no prompt.
func (r *Renderer) Render(ev events.Event) (string, bool) {
	switch p := ev.Payload().(type) {
	case events.WorkflowRun:
		if p.Phase != events.PhaseFailed {
			return "", false
		}
		return r.execute(r.workflow, p)
	case events.ManualTrigger:
		if strings.TrimSpace(p.Content) == "" {
			return "", false
		}
		return r.execute(r.manual, p)
	default:
		return "", false
	}
}

func (r *Renderer) execute(t *template.Template, data any) (string, bool) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		// Templates are fixed and payloads are plain structs, so this only
		// fires on a programming error.
		panic(fmt.Sprintf("prompt: rendering %s: %v", t.Name(), err))
	}
	return b.String(), true
}
