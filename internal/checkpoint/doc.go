// Package checkpoint persists workflow state snapshots keyed by thread ID.
//
// A snapshot is written after every phase transition so a run can resume
// from where it stopped after an approval pause, a crash, or an operator
// interrupt. Exactly one worker process mutates a given thread at a time;
// the supervisor enforces that invariant, so the store itself only needs
// last-write-wins upsert semantics.
package checkpoint
