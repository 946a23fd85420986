// Package engine drives a feature workflow through its phases.
//
// The machine is an explicit state walk over analyze, requirements,
// research, plan, implement, and merge. Each phase delegates generation to
// the agent executor, validates the produced artifacts, and checkpoints
// after every transition. Control flow is a tagged Outcome value: the
// caller branches on Completed, Suspended, or Failed; nothing panics to
// signal workflow state.
package engine
