// Package guard lets a generator phrase the plan summary and rejects any
// phrasing that introduces facts absent from the request.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/evidence"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/llm"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/telemetry"
)

const (
	maxSummaryRunes  = 200
	maxProposalRunes = 300
	maxAssignees     = 10
)

// #region rejection
// Rejection is a refused summary or proposal.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "invalid_proposal:" + r.Reason }

// #endregion rejection

// #region validate
var (
	userIDRe   = regexp.MustCompile(`(?i)\bu\d{3,}\b`)
	quotedRe   = regexp.MustCompile(`["']([^"']+)["']`)
	durationRe = regexp.MustCompile(`(?i)\b(\d+\s*(?:days?|weeks?|months?|hours?))\b`)
	capPhrase  = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)\b`)
)

// Validate rejects a summary that is too long or mentions a user id, quoted
// name, duration or capitalized multi-word name the original text lacks.
// A blank summary is accepted; there is nothing to apply.
func Validate(summary, original string) error {
	s := strings.TrimSpace(summary)
	if s == "" {
		return nil
	}
	if len([]rune(s)) > maxSummaryRunes {
		return &Rejection{Reason: "comment_summary_too_long"}
	}
	orig := strings.ToLower(original)

	for _, tok := range userIDRe.FindAllString(s, -1) {
		if !strings.Contains(orig, strings.ToLower(tok)) {
			return &Rejection{Reason: "new_facts:user_id"}
		}
	}
	for _, m := range quotedRe.FindAllStringSubmatch(s, -1) {
		q := strings.TrimSpace(m[1])
		if len([]rune(q)) > 2 && !strings.Contains(orig, strings.ToLower(q)) {
			return &Rejection{Reason: "new_facts:quoted_entity"}
		}
	}
	for _, d := range durationRe.FindAllString(s, -1) {
		if !strings.Contains(orig, strings.ToLower(d)) {
			return &Rejection{Reason: "new_facts:duration"}
		}
	}
	for _, m := range capPhrase.FindAllStringSubmatch(s, -1) {
		if len(m[1]) > 3 && !strings.Contains(orig, strings.ToLower(m[1])) {
			return &Rejection{Reason: "new_facts:capitalized_entity"}
		}
	}
	return nil
}

// #endregion validate

// #region proposal
// Proposal is the narrow generated output. Every other key is ignored.
type Proposal struct {
	CommentSummary *string  `json:"comment_summary,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
}

// Meta records whether a proposal was produced and why not.
type Meta struct {
	UsedLLM        bool   `json:"used_llm"`
	FallbackReason string `json:"fallback_reason"`
}

// ParseProposal checks the decoded generator output.
func ParseProposal(raw any) (Proposal, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Proposal{}, &Rejection{Reason: "not_a_dict"}
	}
	var p Proposal
	if v, ok := obj["comment_summary"]; ok {
		cs, ok := v.(string)
		if !ok {
			return Proposal{}, &Rejection{Reason: "comment_summary_not_string"}
		}
		if len([]rune(cs)) > maxProposalRunes {
			return Proposal{}, &Rejection{Reason: "comment_summary_too_long"}
		}
		p.CommentSummary = &cs
	}
	if v, ok := obj["assignees"]; ok {
		list, ok := v.([]any)
		if !ok {
			return Proposal{}, &Rejection{Reason: "assignees_not_list"}
		}
		for _, x := range list {
			s, ok := x.(string)
			if !ok {
				return Proposal{}, &Rejection{Reason: "assignees_not_strings"}
			}
			p.Assignees = append(p.Assignees, s)
		}
		if len(p.Assignees) > maxAssignees {
			return Proposal{}, &Rejection{Reason: "assignees_too_many"}
		}
	}
	return p, nil
}

// #endregion proposal

// #region guard
const proposalSystemPrompt = "You are an IT helpdesk assistant that writes a short proposed plan summary.\n" +
	"Return STRICT JSON only. No markdown.\n" +
	"Allowed keys:\n" +
	"- comment_summary: a concise summary for a GitHub comment (<= 200 chars preferred)\n" +
	"- assignees: optional list of GitHub usernames (strings), usually empty\n" +
	"Rules:\n" +
	"- Do not invent actions beyond the provided bullets.\n" +
	"- Do not include labels/risk/approval in the output.\n"

// Guard asks a generator for a summary and filters it.
type Guard struct {
	gen     llm.Generator
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewGuard creates a guard. gen may be nil.
func NewGuard(gen llm.Generator, metrics *telemetry.Metrics, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = logging.New("guard")
	}
	return &Guard{gen: gen, metrics: metrics, log: logger}
}

// Propose asks the generator to phrase a summary for the request. It returns
// nil with a reason when the generator is unavailable, fails, or returns a
// malformed proposal.
func (g *Guard) Propose(ctx context.Context, text string, tri gate.Triage, in evidence.Intermediate) (*Proposal, Meta) {
	if g.gen == nil {
		return nil, Meta{FallbackReason: "no_generator"}
	}
	ctx, span := telemetry.Tracer().Start(ctx, "guard.propose")
	defer span.End()

	out, err := g.gen.Generate(ctx, proposalSystemPrompt, proposalPrompt(text, tri, in))
	if err != nil {
		if errors.Is(err, llm.ErrAPIKeyRequired) {
			return nil, Meta{FallbackReason: "no_api_key"}
		}
		return nil, g.fail("llm_error:" + err.Error())
	}
	raw, err := llm.ExtractJSON(out)
	if err != nil {
		return nil, g.fail("llm_error:" + err.Error())
	}
	p, err := ParseProposal(raw)
	if err != nil {
		return nil, g.fail(err.Error())
	}
	return &p, Meta{UsedLLM: true}
}

func (g *Guard) fail(reason string) Meta {
	g.log.Warn("proposal fallback", "reason", reason)
	return Meta{FallbackReason: reason}
}

// Apply overwrites only the comment summary of pas, and only when the
// proposal validates against the original text. Risk, approval, labels and
// assignees are never taken from the proposal. A rejection is recorded in meta.
func (g *Guard) Apply(pas *gate.ProposedActionStruct, p *Proposal, original string, meta *Meta) {
	if p == nil || p.CommentSummary == nil || strings.TrimSpace(*p.CommentSummary) == "" {
		return
	}
	if err := Validate(*p.CommentSummary, original); err != nil {
		var r *Rejection
		if errors.As(err, &r) {
			g.metrics.GuardRejected(r.Reason)
		}
		g.log.Warn("proposal rejected", "reason", err.Error())
		if meta != nil && meta.FallbackReason == "" {
			meta.FallbackReason = err.Error()
		}
		return
	}
	cs := []rune(strings.TrimSpace(*p.CommentSummary))
	if len(cs) > maxProposalRunes {
		cs = cs[:maxProposalRunes]
	}
	pas.CommentSummary = string(cs)
}

func proposalPrompt(text string, tri gate.Triage, in evidence.Intermediate) string {
	var lines []string
	for i, s := range in.SummarySteps {
		if i >= 5 {
			break
		}
		lines = append(lines, "- "+s.Step+" — "+s.Rationale)
	}
	if len(lines) == 0 {
		for i, b := range in.EvidenceBullets {
			if i >= 5 {
				break
			}
			lines = append(lines, "- "+b.Text)
		}
	}
	bullets := strings.Join(lines, "\n")
	if cq := strings.TrimSpace(in.ClarifyingQuestion); cq != "" {
		bullets += "\nClarifying question: " + cq
	}
	return fmt.Sprintf("User issue:\n%s\n\nTriage:\ncategory=%s priority=%s\n\nEvidence bullets:\n%s\n\nReturn JSON.",
		text, tri.Category, tri.Priority, bullets)
}

// #endregion guard
