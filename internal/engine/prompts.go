package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/devflow/internal/spec"
)

func specPath(req *Request, name string) string {
	return filepath.Join(req.SpecDir, name)
}

// withFeedback appends reviewer feedback to a producer prompt when the
// previous artifact was rejected at a gate.
func withFeedback(prompt, feedback string) string {
	if feedback == "" {
		return prompt
	}
	return prompt + fmt.Sprintf(
		"\n\nA reviewer rejected the previous version with this feedback:\n%s\n\nAddress the feedback in the new version.",
		feedback)
}

func analyzePrompt(req *Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this codebase to prepare for building the feature %q.\n", req.FeatureName)
	if req.Description != "" {
		fmt.Fprintf(&b, "\nFeature description:\n%s\n", req.Description)
	}
	fmt.Fprintf(&b, `
Study the repository structure, existing conventions, and the code the
feature will touch. Then write %s containing:

  name: the feature name
  description: what the feature does and where it fits in this codebase

Write only that file in this step.`, specPath(req, spec.SpecFile))
	return b.String()
}

func requirementsPrompt(req *Request) string {
	return fmt.Sprintf(`Extend %s into a full product requirements document.

Keep the existing name and description. Add a 'requirements' list; every
entry needs:

  id: a short stable identifier (R1, R2, ...)
  title: one line naming the requirement
  acceptance_criteria: a list of concrete, testable criteria

Cover functional behavior, edge cases, and error handling for the feature.`,
		specPath(req, spec.SpecFile))
}

func researchPrompt(req *Request) string {
	return fmt.Sprintf(`Research how to implement the feature described in %s.

Investigate the relevant parts of this codebase, the libraries already in
use, and any patterns the implementation should follow. Write %s with:

  summary: a paragraph describing the implementation approach
  findings: a list of entries, each with 'topic' and 'notes'`,
		specPath(req, spec.SpecFile), specPath(req, spec.ResearchFile))
}

func planPrompt(req *Request) string {
	return fmt.Sprintf(`Plan the implementation of the feature described in %s,
using the research in %s.

Write two files:

%s:
  phases: ordered implementation phases, each with 'id', 'name', and
  'description'

%s:
  tasks: concrete tasks, each with 'id', 'description', 'status' (pending),
  and a 'phase_id' referencing a phase id from %s

Every task's phase_id must match a phase defined in the plan.`,
		specPath(req, spec.SpecFile), specPath(req, spec.ResearchFile),
		specPath(req, spec.PlanFile), specPath(req, spec.TasksFile), spec.PlanFile)
}

func implementPrompt(req *Request) string {
	return fmt.Sprintf(`Implement the feature following the plan in %s and the
tasks in %s.

Work through the tasks phase by phase. After finishing each task, update its
status in %s. Write tests alongside the implementation and make sure the
project builds and the tests pass before moving on.`,
		specPath(req, spec.PlanFile), specPath(req, spec.TasksFile),
		specPath(req, spec.TasksFile))
}
