package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validator schema-checks spec artifacts in a feature's spec directory.
type Validator struct {
	dir string
}

// NewValidator creates a validator rooted at the given spec directory.
func NewValidator(dir string) *Validator {
	return &Validator{dir: dir}
}

// Dir returns the spec directory the validator reads from.
func (v *Validator) Dir() string {
	return v.dir
}

// ValidateSpec checks spec.yaml. At StageAnalyze only the feature outline is
// required; at StageRequirements the requirements list must be present and
// well-formed.
func (v *Validator) ValidateSpec(stage Stage) Result {
	res := Result{Target: SpecFile}

	var doc specDocument
	if !v.load(SpecFile, &doc, &res) {
		return res
	}

	if strings.TrimSpace(doc.Name) == "" {
		res.Errors = append(res.Errors, "spec.yaml: missing required field 'name'")
	}
	if strings.TrimSpace(doc.Description) == "" {
		res.Errors = append(res.Errors, "spec.yaml: missing required field 'description'")
	}

	if stage == StageRequirements {
		if len(doc.Requirements) == 0 {
			res.Errors = append(res.Errors, "spec.yaml: 'requirements' must be a non-empty list")
		}
		for i, req := range doc.Requirements {
			if strings.TrimSpace(req.ID) == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("spec.yaml: requirements[%d] missing 'id'", i))
			}
			if strings.TrimSpace(req.Title) == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("spec.yaml: requirements[%d] missing 'title'", i))
			}
			if len(req.AcceptanceCriteria) == 0 {
				res.Errors = append(res.Errors, fmt.Sprintf("spec.yaml: requirements[%d] missing 'acceptance_criteria'", i))
			}
		}
	}

	return res
}

// ValidateResearch checks research.yaml.
func (v *Validator) ValidateResearch() Result {
	res := Result{Target: ResearchFile}

	var doc researchDocument
	if !v.load(ResearchFile, &doc, &res) {
		return res
	}

	if strings.TrimSpace(doc.Summary) == "" {
		res.Errors = append(res.Errors, "research.yaml: missing required field 'summary'")
	}
	if len(doc.Findings) == 0 {
		res.Errors = append(res.Errors, "research.yaml: 'findings' must be a non-empty list")
	}
	for i, f := range doc.Findings {
		if strings.TrimSpace(f.Topic) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("research.yaml: findings[%d] missing 'topic'", i))
		}
		if strings.TrimSpace(f.Notes) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("research.yaml: findings[%d] missing 'notes'", i))
		}
	}

	return res
}

// ValidatePlanAndTasks jointly checks plan.yaml and tasks.yaml. The plan is
// validated first and its phase-id set extracted; every task's phase_id must
// reference a phase the plan defines. Errors from both files are concatenated
// into one result.
func (v *Validator) ValidatePlanAndTasks() Result {
	res := Result{Target: PlanTasksTarget}

	phaseIDs := map[string]bool{}

	var plan planDocument
	if v.load(PlanFile, &plan, &res) {
		if len(plan.Phases) == 0 {
			res.Errors = append(res.Errors, "plan.yaml: 'phases' must be a non-empty list")
		}
		for i, p := range plan.Phases {
			if strings.TrimSpace(p.ID) == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("plan.yaml: phases[%d] missing 'id'", i))
				continue
			}
			if phaseIDs[p.ID] {
				res.Errors = append(res.Errors, fmt.Sprintf("plan.yaml: duplicate phase id '%s'", p.ID))
			}
			phaseIDs[p.ID] = true
			if strings.TrimSpace(p.Name) == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("plan.yaml: phase '%s' missing 'name'", p.ID))
			}
			if strings.TrimSpace(p.Description) == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("plan.yaml: phase '%s' missing 'description'", p.ID))
			}
		}
	}

	var tasks tasksDocument
	if v.load(TasksFile, &tasks, &res) {
		if len(tasks.Tasks) == 0 {
			res.Errors = append(res.Errors, "tasks.yaml: 'tasks' must be a non-empty list")
		}
		for i, tk := range tasks.Tasks {
			if strings.TrimSpace(tk.ID) == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("tasks.yaml: tasks[%d] missing 'id'", i))
			}
			if strings.TrimSpace(tk.Description) == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("tasks.yaml: tasks[%d] missing 'description'", i))
			}
			if strings.TrimSpace(tk.PhaseID) == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("tasks.yaml: tasks[%d] missing 'phase_id'", i))
			} else if len(phaseIDs) > 0 && !phaseIDs[tk.PhaseID] {
				res.Errors = append(res.Errors, fmt.Sprintf("tasks.yaml: task '%s' references unknown phase '%s'", tk.ID, tk.PhaseID))
			}
		}
	}

	return res
}

// ReadFile returns the raw content of an artifact, or "" when unreadable.
// The repair prompt builder uses this to show the agent what it wrote.
func (v *Validator) ReadFile(name string) string {
	content, err := os.ReadFile(filepath.Join(v.dir, name))
	if err != nil {
		return ""
	}
	return string(content)
}

// load reads and parses one artifact into out. It returns false when
// structural checks must be skipped: the file is missing/empty or failed to
// parse. In both cases the corresponding error has been appended to res.
func (v *Validator) load(name string, out interface{}, res *Result) bool {
	content, err := os.ReadFile(filepath.Join(v.dir, name))
	if err != nil || len(strings.TrimSpace(string(content))) == 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("File '%s' not found or empty", name))
		return false
	}

	if err := yaml.Unmarshal(content, out); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("YAML parse error in %s: %s", name, yamlErrorMessage(err)))
		return false
	}

	return true
}

// yamlErrorMessage strips the "yaml: " prefix the library puts on every error
// so the message reads naturally after "YAML parse error in <name>:".
func yamlErrorMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "yaml: ")
}
