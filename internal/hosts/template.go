package hosts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

// TemplateError reports submission template lines that reference variables
// missing from the substitution context.
type TemplateError struct {
	Name  string
	Lines []LineError
	Known []string
}

// LineError is one offending template line.
type LineError struct {
	Number int
	Text   string
	Reason string
}

func (e *TemplateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "template %s has problematic lines (known values: %s):", e.Name, strings.Join(e.Known, ", "))
	for _, l := range e.Lines {
		fmt.Fprintf(&b, "\n  line %d: %s --> %s", l.Number, l.Text, l.Reason)
	}
	return b.String()
}

var missingKey = regexp.MustCompile(`map has no entry for key "([^"]+)"`)

// Render substitutes vars into tmpl. Any reference to a variable that is not
// in vars fails with a *TemplateError naming the offending lines.
func Render(name, tmpl string, vars map[string]any) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		if te := analyze(name, tmpl, vars); te != nil {
			return "", te
		}
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return b.String(), nil
}

// analyze renders the template line by line and collects failing lines.
func analyze(name, tmpl string, vars map[string]any) *TemplateError {
	te := &TemplateError{Name: name, Known: knownKeys(vars)}
	for i, line := range strings.Split(tmpl, "\n") {
		if !strings.Contains(line, "{{") {
			continue
		}
		t, err := template.New(name).Option("missingkey=error").Parse(line)
		if err != nil {
			// Lines that are only valid as part of a multi-line action.
			continue
		}
		var b strings.Builder
		if err := t.Execute(&b, vars); err != nil {
			reason := err.Error()
			if m := missingKey.FindStringSubmatch(reason); m != nil {
				reason = fmt.Sprintf("variable %s not present in this context", m[1])
			}
			te.Lines = append(te.Lines, LineError{Number: i + 1, Text: line, Reason: reason})
		}
	}
	if len(te.Lines) == 0 {
		return nil
	}
	return te
}

func knownKeys(vars map[string]any) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
