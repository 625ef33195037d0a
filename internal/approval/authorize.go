package approval

import (
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
)

// Result is the execution_result recorded for a run.
type Result string

const (
	ResultSuccess             Result = "success"
	ResultAlreadyExecuted     Result = "already_executed_noop"
	ResultAlreadyApprovedSkip Result = "already_approved_skip"
	ResultL1Noop              Result = "l1_noop"
	ResultNoPlan              Result = "no_proposed_plan"
	ResultInvalidPlan         Result = "invalid_plan_format"
	ResultNoApproval          Result = "no_approval_found"
	ResultNotInDirectory      Result = "approver_not_in_directory"
	ResultEmployeeRejected    Result = "rejected_employee_approval"
	ResultL2NeedsITAdmin      Result = "rejected_l2_requires_it_admin"
	ResultL1NeedsEngineer     Result = "rejected_l1_requires_engineer_or_admin"
	ResultInProgress          Result = "execution_in_progress"
	ResultError               Result = "error"
)

// Approval statuses.
const (
	StatusNotApplicable = "n/a"
	StatusPending       = "pending"
	StatusApproved      = "approved"
	StatusRejected      = "rejected"
)

// #region authorize
var l1Approvers = map[string]bool{
	directory.RoleEngineer: true,
	directory.RoleITAdmin:  true,
}

// Authorize checks an approver's role against a plan. It returns the
// rejection code, or "" when the approver may execute the plan.
func Authorize(plan gate.ProposedActionStruct, role string) Result {
	if role == directory.RoleEmployee {
		return ResultEmployeeRejected
	}
	if plan.RiskLevel == gate.RiskL2 {
		if role != directory.RoleITAdmin {
			return ResultL2NeedsITAdmin
		}
		return ""
	}
	if !l1Approvers[role] {
		return ResultL1NeedsEngineer
	}
	return ""
}

// #endregion authorize

// #region messages
var rejectionMessages = map[Result]string{
	ResultEmployeeRejected: "**Approval rejected.** Employees cannot approve execution. Only an Engineer or IT Admin may comment APPROVE to execute. No actions were performed.",
	ResultL2NeedsITAdmin:   "**Approval rejected.** This plan requires IT Admin approval. Only a user with the IT Admin role in our directory may approve. No actions were performed.",
	ResultL1NeedsEngineer:  "**Approval rejected.** This plan requires an Engineer or IT Admin to approve. Your role does not have approval permission. No actions were performed.",
	ResultNotInDirectory:   "**Approval rejected.** Your GitHub username is not in our directory, so we could not verify your role. No actions were performed. Please ask an IT Admin or Engineer listed in the directory to comment APPROVE.",
	ResultInvalidPlan:      "**Invalid plan format.** We could not parse the proposed actions from the latest plan comment. No actions were performed.",
	ResultNoPlan:           "**No proposed plan found.** There is no Proposed Plan comment on this issue. Open the issue so the bot can post a plan, then comment APPROVE to execute (if your role is allowed). No actions were performed.",
}

const defaultRejectionMessage = "**Approval could not be processed.** No actions were performed."

// RejectionMessage returns the comment posted for a result. Only rejection
// results are posted.
func RejectionMessage(r Result) (string, bool) {
	msg, ok := rejectionMessages[r]
	return msg, ok
}

// Message returns the human-readable text for any result.
func Message(r Result) string {
	if msg, ok := rejectionMessages[r]; ok {
		return msg
	}
	return defaultRejectionMessage
}

// #endregion messages
