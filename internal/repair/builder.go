// Package repair composes remediation prompts for artifacts that failed
// schema validation.
//
// The builder is pure: it formats the validator's concrete error strings and
// the current file contents into a request the agent can act on. Invoking
// the agent is the engine's job.
package repair

import (
	"fmt"
	"sort"
	"strings"
)

// Request captures one repair round.
type Request struct {
	// Target is the validation target, e.g. "spec.yaml" or
	// "plan.yaml+tasks.yaml".
	Target string

	// Errors are the validator's error strings, verbatim.
	Errors []string

	// Files maps artifact filename to its current content. Missing files map
	// to "".
	Files map[string]string

	// Attempt is the 1-based repair attempt number.
	Attempt int

	// MaxAttempts is the configured retry bound, shown to the agent so it
	// knows the budget.
	MaxAttempts int
}

// Build renders the remediation prompt. The prompt names exactly the
// offending file(s) and forbids touching anything else.
func Build(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "The artifact '%s' failed schema validation (attempt %d of %d).\n\n", req.Target, req.Attempt, req.MaxAttempts)

	b.WriteString("Validation errors:\n")
	for _, e := range req.Errors {
		fmt.Fprintf(&b, "  - %s\n", e)
	}
	b.WriteString("\n")

	names := make([]string, 0, len(req.Files))
	for name := range req.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := req.Files[name]
		if strings.TrimSpace(content) == "" {
			fmt.Fprintf(&b, "Current content of %s: (file is missing or empty)\n\n", name)
			continue
		}
		fmt.Fprintf(&b, "Current content of %s:\n```yaml\n%s\n```\n\n", name, strings.TrimRight(content, "\n"))
	}

	fmt.Fprintf(&b, "Rewrite %s so that every validation error above is resolved. ", fileList(names))
	b.WriteString("Preserve all valid content. Do not modify any other file. Write valid YAML only.")

	return b.String()
}

func fileList(names []string) string {
	switch len(names) {
	case 0:
		return "the file"
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
