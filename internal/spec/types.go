package spec

// Artifact filenames within a feature's spec directory.
const (
	SpecFile     = "spec.yaml"
	ResearchFile = "research.yaml"
	PlanFile     = "plan.yaml"
	TasksFile    = "tasks.yaml"

	// PlanTasksTarget is the joint validation target for plan.yaml+tasks.yaml.
	PlanTasksTarget = "plan.yaml+tasks.yaml"
)

// Stage selects how strictly spec.yaml is validated. The analyze phase only
// drafts the feature outline; the requirements phase must fill in the
// requirements list.
type Stage string

const (
	StageAnalyze      Stage = "analyze"
	StageRequirements Stage = "requirements"
)

// Result reports validation of one target. Zero errors means the target
// passed.
type Result struct {
	Target string   `json:"target"`
	Errors []string `json:"errors"`
}

// OK returns true when validation passed.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Files returns the artifact filenames covered by the result's target.
func (r Result) Files() []string {
	if r.Target == PlanTasksTarget {
		return []string{PlanFile, TasksFile}
	}
	return []string{r.Target}
}

// specDocument mirrors spec.yaml.
type specDocument struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	Requirements []requirement `yaml:"requirements"`
}

type requirement struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
}

// researchDocument mirrors research.yaml.
type researchDocument struct {
	Summary  string    `yaml:"summary"`
	Findings []finding `yaml:"findings"`
}

type finding struct {
	Topic string `yaml:"topic"`
	Notes string `yaml:"notes"`
}

// planDocument mirrors plan.yaml.
type planDocument struct {
	Phases []planPhase `yaml:"phases"`
}

type planPhase struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// tasksDocument mirrors tasks.yaml.
type tasksDocument struct {
	Tasks []task `yaml:"tasks"`
}

type task struct {
	ID          string `yaml:"id"`
	PhaseID     string `yaml:"phase_id"`
	Description string `yaml:"description"`
	Status      string `yaml:"status"`
}
