// Package approval turns a posted plan into an executed, audited side effect
// once an authorized approver has signed off.
package approval

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/evidence"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/guard"
)

// Plan comment titles. Either one marks a comment as a plan.
const (
	TitlePending = "Proposed Plan (PENDING APPROVAL)"
	TitleTriaged = "Proposed Plan (TRIAGED)"
)

// PlanTitle returns the plan title for an approval requirement.
func PlanTitle(needsApproval bool) string {
	if needsApproval {
		return TitlePending
	}
	return TitleTriaged
}

// #region render
// PlanInput is everything a plan comment shows.
type PlanInput struct {
	Actions          gate.ProposedActionStruct
	Answer           string
	Catalog          *evidence.Catalog
	Intermediate     evidence.Intermediate
	IntermediateMeta evidence.Meta
	// Proposal and ProposalMeta are shown only when LLM proposals were requested.
	Proposal     *guard.Proposal
	ProposalMeta *guard.Meta
}

// RenderPlan builds the markdown body of a plan comment. The struct block
// under "### Proposed actions (struct)" is what ParsePlan reads back.
func RenderPlan(in PlanInput) string {
	var b strings.Builder
	b.WriteString("## " + PlanTitle(in.Actions.NeedsApproval) + "\n\n")
	if s := strings.TrimSpace(in.Actions.CommentSummary); s != "" {
		b.WriteString(s + "\n\n")
	}
	b.WriteString(in.Answer)
	b.WriteString("\n\n<details><summary>Details (evidence + struct)</summary>")

	if in.Catalog != nil && in.Catalog.Len() > 0 {
		b.WriteString("### Sources map\n\n")
		for _, s := range in.Catalog.Sources() {
			fmt.Fprintf(&b, "%s -> %s (%s)\n", s.ID, s.Ref(), s.Heading)
		}
		b.WriteString("\n")
	}

	var proposal, proposalMeta any = map[string]any{}, map[string]any{}
	if in.Proposal != nil {
		proposal = in.Proposal
	}
	if in.ProposalMeta != nil {
		proposalMeta = in.ProposalMeta
	}
	writeBlock(&b, "Intermediate (evidence summary)", in.Intermediate, false)
	writeBlock(&b, "Intermediate meta", in.IntermediateMeta, true)
	writeBlock(&b, "Proposed actions (struct)", in.Actions, true)
	writeBlock(&b, "Proposal meta", proposalMeta, true)
	writeBlock(&b, "Proposal (LLM)", proposal, true)

	b.WriteString("\n\n</details>\n")
	return b.String()
}

func writeBlock(b *strings.Builder, heading string, v any, sep bool) {
	if sep {
		b.WriteString("\n\n")
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		raw = []byte("{}")
	}
	b.WriteString("### " + heading + "\n\n```json\n")
	b.Write(raw)
	b.WriteString("\n```")
}

// #endregion render

// #region parse
var (
	structHeadingRe = regexp.MustCompile(`(?i)###\s*Proposed\s+actions\s+\(struct\)\s*:?\s*`)
	fenceRe         = regexp.MustCompile("(?i)```\\s*(?:json)?\\s*\\n([\\s\\S]*?)```")
)

// PlanError says why a plan comment could not be read.
type PlanError struct {
	Reason string
}

func (e *PlanError) Error() string { return "invalid_plan_format:" + e.Reason }

// ParsePlan reads the proposed actions struct out of a plan comment. All of
// risk_level, needs_approval, approval_role_required and labels_to_add must
// be present and well typed.
func ParsePlan(body string) (gate.ProposedActionStruct, error) {
	var out gate.ProposedActionStruct
	loc := structHeadingRe.FindStringIndex(body)
	if loc == nil {
		return out, &PlanError{Reason: "missing_struct_heading"}
	}
	m := fenceRe.FindStringSubmatch(body[loc[1]:])
	if m == nil {
		return out, &PlanError{Reason: "missing_struct_block"}
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &raw); err != nil {
		return out, &PlanError{Reason: "invalid_json"}
	}
	for _, k := range []string{"risk_level", "needs_approval", "approval_role_required", "labels_to_add"} {
		if _, ok := raw[k]; !ok {
			return out, &PlanError{Reason: "missing_" + k}
		}
	}

	risk, _ := raw["risk_level"].(string)
	if risk != string(gate.RiskL1) && risk != string(gate.RiskL2) {
		return out, &PlanError{Reason: "bad_risk_level"}
	}
	needs, ok := raw["needs_approval"].(bool)
	if !ok {
		return out, &PlanError{Reason: "bad_needs_approval"}
	}
	role, _ := raw["approval_role_required"].(string)
	if role != directory.RoleITAdmin && role != gate.NotApplicable {
		return out, &PlanError{Reason: "bad_approval_role_required"}
	}
	labels, ok := stringList(raw["labels_to_add"])
	if !ok || len(labels) == 0 {
		return out, &PlanError{Reason: "bad_labels_to_add"}
	}

	out.RiskLevel = gate.RiskLevel(risk)
	out.NeedsApproval = needs
	out.ApprovalRoleRequired = role
	out.LabelsToAdd = labels
	out.AutoExecute, _ = raw["auto_execute"].(bool)
	out.Assignees, _ = stringList(raw["assignees"])
	out.CommentSummary, _ = raw["comment_summary"].(string)
	return out, nil
}

func stringList(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// #endregion parse
