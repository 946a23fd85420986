// Package merge implements the merge sub-workflow that lands a finished
// feature: commit, optional push and pull request, CI remediation, the
// merge approval gate, and verified merge into the base branch.
//
// The agent performs every git mutation; this package inspects the
// repository afterwards and never trusts the agent's transcript alone.
// Commit and PR references are extracted from transcripts with fixed
// regexes, which is the fragile seam of the whole workflow: agents that
// phrase results unusually can defeat extraction, so every extraction
// failure is surfaced loudly instead of guessed around.
package merge
