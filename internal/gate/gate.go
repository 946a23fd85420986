// Package gate maps workflow nodes to human approval gates and builds the
// interrupt payloads surfaced when a run pauses for review.
package gate

import (
	"fmt"

	"github.com/fyrsmithlabs/devflow/internal/store"
)

// Gated node names. Only these nodes can pause a run for approval.
const (
	NodeRequirements = "requirements"
	NodePlan         = "plan"
	NodeMerge        = "merge"
)

// Interrupt is the payload handed to the caller when a run suspends at an
// approval gate. Context carries node-specific review material such as the
// generated artifact or a diff summary.
type Interrupt struct {
	Node    string         `json:"node"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Decision is a human verdict supplied when resuming a suspended run.
// Feedback is only meaningful when Approved is false.
type Decision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// Controller decides whether a gated node should pause the run.
type Controller struct{}

// NewController creates a gate controller.
func NewController() *Controller {
	return &Controller{}
}

// ShouldInterrupt reports whether execution must pause at node. A true
// approval flag means the human pre-approved that gate and the run proceeds
// without pausing. Unknown nodes never interrupt.
func (c *Controller) ShouldInterrupt(node string, gates store.ApprovalGates) bool {
	switch node {
	case NodeRequirements:
		return !gates.AllowPRD
	case NodePlan:
		return !gates.AllowPlan
	case NodeMerge:
		return !gates.AllowMerge
	default:
		return false
	}
}

// NewInterrupt builds the suspension payload for node.
func (c *Controller) NewInterrupt(node string, context map[string]any) *Interrupt {
	return &Interrupt{
		Node:    node,
		Message: fmt.Sprintf("approval required at %s gate", node),
		Context: context,
	}
}
