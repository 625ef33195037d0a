package pipeline

import (
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/evidence"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/guard"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

const previewRunes = 200

// TriageMethod names how triage was produced.
const TriageMethod = "keyword"

// #region output
// Output is the structured result of one ask or propose run.
type Output struct {
	Answer                 string              `json:"answer"`
	Citations              []evidence.Citation `json:"citations"`
	RetrievedCitationsTopK []evidence.Citation `json:"retrieved_citations_topk,omitempty"`

	// Present only when the matching LLM option was requested.
	Intermediate     *evidence.Intermediate `json:"intermediate,omitempty"`
	IntermediateMeta *evidence.Meta         `json:"intermediate_meta,omitempty"`
	Proposal         *guard.Proposal        `json:"proposal,omitempty"`
	ProposalMeta     *guard.Meta            `json:"proposal_meta,omitempty"`

	Triage                *gate.Triage               `json:"triage,omitempty"`
	TriageMethod          string                     `json:"triage_method,omitempty"`
	RetrievalConfidence   float64                    `json:"retrieval_confidence"`
	ProposedActions       []string                   `json:"proposed_actions,omitempty"`
	ProposedActionsStruct *gate.ProposedActionStruct `json:"proposed_actions_struct,omitempty"`

	Debug Debug `json:"debug"`
}

// Debug is the diagnostic block of an Output.
type Debug struct {
	UserID              string             `json:"user_id,omitempty"`
	Role                string             `json:"role,omitempty"`
	AllowedTiers        []kb.Tier          `json:"allowed_tiers,omitempty"`
	IssueTextSource     gate.Source        `json:"issue_text_source,omitempty"`
	IssueTextPreview    string             `json:"issue_text_preview,omitempty"`
	IssueTextPreviewRaw string             `json:"issue_text_preview_raw,omitempty"`
	IssueTextNormalized string             `json:"issue_text_normalized,omitempty"`
	IssueTextRaw        string             `json:"issue_text_raw,omitempty"`
	Retrieved           []retrieval.Scored `json:"retrieved,omitempty"`

	LLMPropose                    bool   `json:"llm_propose"`
	LLMIntermediateRequested      bool   `json:"llm_intermediate_requested"`
	LLMIntermediateUsed           bool   `json:"llm_intermediate_used"`
	LLMIntermediateFallbackReason string `json:"llm_intermediate_fallback_reason"`

	*retrieval.Debug

	ExecutionResult string `json:"execution_result,omitempty"`
	TrackerError    string `json:"github_error,omitempty"`
}

// #endregion output

func preview(s string) string {
	r := []rune(s)
	if len(r) > previewRunes {
		return string(r[:previewRunes])
	}
	return s
}

func tierStrings(ts []kb.Tier) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
