// Package gate holds the fixed risk and approval policy. Nothing here is
// delegated to a language model.
package gate

import (
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
)

const maxSummaryRunes = 300

// #region gate
// Gate classifies triaged requests into proposed actions.
type Gate struct {
	policy Policy
}

// NewGate creates a gate with the given policy.
func NewGate(policy Policy) *Gate {
	return &Gate{policy: policy}
}

// Classify maps a triage to its risk decision. Access requests are L2 and
// need IT Admin approval; everything else is L1 and auto-executes.
func (g *Gate) Classify(t Triage, proposedActions []string) ProposedActionStruct {
	out := ProposedActionStruct{
		RiskLevel:            RiskL1,
		ApprovalRoleRequired: NotApplicable,
		AutoExecute:          true,
		Assignees:            []string{},
		CommentSummary:       Summary(proposedActions),
	}
	if t.Category == CategoryAccess {
		out.RiskLevel = RiskL2
		out.NeedsApproval = true
		out.ApprovalRoleRequired = directory.RoleITAdmin
		out.AutoExecute = false
	}
	out.LabelsToAdd = Labels(t, out.NeedsApproval)
	if a := g.policy.Assignees[t.Category]; len(a) > 0 {
		out.Assignees = append(out.Assignees, a...)
	}
	return out
}

// #endregion gate

// #region labels
// StatusLabel is the status label for a plan.
func StatusLabel(needsApproval bool) string {
	if needsApproval {
		return StatusPendingApproval
	}
	return StatusTriaged
}

// Labels returns the category, priority and status labels.
func Labels(t Triage, needsApproval bool) []string {
	return []string{
		"cat:" + string(t.Category),
		"prio:" + string(t.Priority),
		StatusLabel(needsApproval),
	}
}

// #endregion labels

// #region summary
// Summary is the deterministic comment summary built from the first three
// proposed actions.
func Summary(actions []string) string {
	var parts []string
	for _, a := range actions {
		if a = strings.TrimSpace(a); a != "" {
			parts = append(parts, a)
		}
		if len(parts) == 3 {
			break
		}
	}
	if len(parts) == 0 {
		return "Proposed: Follow the cited runbook steps."
	}
	joined := []rune(strings.Join(parts, "; "))
	if len(joined) > maxSummaryRunes {
		joined = joined[:maxSummaryRunes]
	}
	return "Proposed: " + string(joined)
}

// #endregion summary
