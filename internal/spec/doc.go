// Package spec validates the YAML artifacts the coding agent writes into a
// feature's spec directory.
//
// Each producer phase leaves behind one artifact (spec.yaml, research.yaml,
// plan.yaml, tasks.yaml). Validators schema-check those files and report
// every problem they find in a single Result; the engine feeds the error
// strings back to the agent through the repair loop.
//
// Validation rules:
//   - A missing or empty file yields exactly one error.
//   - A YAML parse failure yields one error and skips structural checks for
//     that file.
//   - Structural errors accumulate; they are never short-circuited.
//   - plan.yaml and tasks.yaml are validated jointly: task phase references
//     are checked against the phase ids the plan defines, and all errors
//     from both files are returned as one Result.
package spec
