package approval

import (
	"github.com/frahmantamala/overtime-management/internal/overtime"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

const (
	AuditActionApprove  = "approve"
	AuditActionReject   = "reject"
	AuditActionSkip     = "skip"
	AuditActionAdvance  = "advance"
	AuditActionFinalize = "finalize"
)

// DecisionResult is what one decision did to the chain. IsFinal is true when
// the decision closed the whole request, either by rejecting it or by
// approving the last pending step.
type DecisionResult struct {
	Step    *overtime.Step    `json:"step"`
	Request *overtime.Request `json:"request"`
	IsFinal bool              `json:"is_final"`
}

// PendingApproval pairs an actionable step with its request so approvers can
// review the window and reason without a second lookup.
type PendingApproval struct {
	Step    *overtime.Step    `json:"step"`
	Request *overtime.Request `json:"request"`
}
