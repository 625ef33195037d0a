package evidence

import (
	"fmt"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

const answerHeader = "Here’s what the runbooks suggest (ACL-filtered):"

// Actions appended to or substituted into proposed actions.
const (
	DefaultAction = "Follow the cited runbook steps"
	DetailsAction = "Provide requested details to proceed"
)

// #region citations
// Citation identifies one cited passage.
type Citation struct {
	Doc     string  `json:"doc"`
	Section string  `json:"section"`
	Anchor  string  `json:"anchor"`
	Tier    kb.Tier `json:"tier"`
}

func citationOf(s Source) Citation {
	return Citation{Doc: s.DocPath, Section: s.Heading, Anchor: s.Anchor, Tier: s.Tier}
}

// Citations derives the cited passages from evidence bullets only, in bullet
// order without duplicates. Summary step ids never produce citations.
func Citations(in Intermediate, c *Catalog) []Citation {
	out := []Citation{}
	seen := map[string]bool{}
	for _, b := range in.EvidenceBullets {
		sid := strings.TrimSpace(b.SourceID)
		if sid == "" || sid == NoSource || seen[sid] {
			continue
		}
		src, ok := c.Lookup(sid)
		if !ok {
			continue
		}
		seen[sid] = true
		out = append(out, citationOf(src))
	}
	return out
}

// RetrievedCitations lists every catalog entry in rank order.
func RetrievedCitations(c *Catalog) []Citation {
	out := make([]Citation, 0, c.Len())
	for _, s := range c.Sources() {
		out = append(out, citationOf(s))
	}
	return out
}

// #endregion citations

// #region answer
// Answer renders the answer text and the proposed action list.
func Answer(in Intermediate, c *Catalog) (string, []string) {
	lines := []string{answerHeader}
	for _, s := range in.SummarySteps {
		step := strings.TrimSpace(s.Step)
		if step == "" {
			continue
		}
		var refs []string
		for _, id := range s.SourceIDs {
			if src, ok := c.Lookup(id); ok {
				refs = append(refs, src.Ref())
			}
		}
		suffix := ""
		if len(refs) > 0 {
			suffix = " (" + strings.Join(refs, ", ") + ")"
		}
		if rationale := strings.TrimSpace(s.Rationale); rationale != "" {
			lines = append(lines, "- "+step+" — "+rationale+suffix)
		} else {
			lines = append(lines, "- "+step+suffix)
		}
	}

	cq := strings.TrimSpace(in.ClarifyingQuestion)
	if cq != "" {
		lines = append(lines, "", "Clarifying question: "+cq)
	}
	return strings.Join(lines, "\n"), ProposedActions(in)
}

// ProposedActions returns the first three steps, plus a request for details
// when a clarifying question is present.
func ProposedActions(in Intermediate) []string {
	var actions []string
	for i, s := range in.SummarySteps {
		if i >= 3 {
			break
		}
		if step := strings.TrimSpace(s.Step); step != "" {
			actions = append(actions, step)
		}
	}
	if len(actions) == 0 {
		actions = []string{DefaultAction}
	}
	if strings.TrimSpace(in.ClarifyingQuestion) != "" {
		actions = append(actions, DetailsAction)
	}
	return actions
}

// #endregion answer

// #region align
const confidencePrefix = "retrieval_confidence="

// AlignConfidence overwrites the level from the retrieval confidence and
// prefixes the reason with the number.
func AlignConfidence(in *Intermediate, confidence float64) {
	in.ConfidenceLevel = LevelFor(confidence)
	reason := strings.TrimSpace(in.ConfidenceReason)
	if !strings.HasPrefix(reason, confidencePrefix) {
		reason = strings.TrimSpace(fmt.Sprintf("%s%.2f; %s", confidencePrefix, confidence, reason))
	}
	in.ConfidenceReason = reason
}

// #endregion align
