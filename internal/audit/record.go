// Package audit persists one append-only record per pipeline run.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/evidence"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/guard"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

// Stages a record can come from.
const (
	StageAsk     = "ask"
	StagePropose = "propose"
	StageExecute = "execute"
)

// NotApplicable fills approval fields that do not apply to a run.
const NotApplicable = "n/a"

// #region record
// TriageRecord is the triage outcome with the method that produced it.
type TriageRecord struct {
	Category gate.Category `json:"category"`
	Priority gate.Priority `json:"priority"`
	Method   string        `json:"method"`
}

// Record is written once at the end of a run and never changed.
type Record struct {
	RunID       string `json:"run_id"`
	Timestamp   string `json:"timestamp"`
	Stage       string `json:"stage"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`

	RequesterUserID string   `json:"requester_user_id"`
	RequesterRole   string   `json:"requester_role"`
	AllowedTiers    []string `json:"allowed_tiers"`

	Triage                *TriageRecord              `json:"triage,omitempty"`
	RetrievalConfidence   float64                    `json:"retrieval_confidence,omitempty"`
	Retrieved             []retrieval.Scored         `json:"retrieved,omitempty"`
	Citations             []evidence.Citation        `json:"citations,omitempty"`
	ProposedActionsStruct *gate.ProposedActionStruct `json:"proposed_actions_struct,omitempty"`
	RetrieverType         string                     `json:"retriever_type,omitempty"`
	CandidateK            int                        `json:"candidate_k,omitempty"`
	VectorModelName       string                     `json:"vector_model_name,omitempty"`
	IntermediateFallback  string                     `json:"intermediate_fallback_reason,omitempty"`
	LLMPropose            bool                       `json:"llm_propose,omitempty"`
	ProposalMeta          *guard.Meta                `json:"proposal_meta,omitempty"`
	IssueTextSource       string                     `json:"issue_text_source,omitempty"`
	IssueTextLen          int                        `json:"issue_text_len,omitempty"`
	IssueTextLenRaw       int                        `json:"issue_text_len_raw,omitempty"`

	ApprovalStatus     string   `json:"approval_status"`
	ApprovalActorLogin string   `json:"approval_actor_login"`
	ApprovalActorRole  string   `json:"approval_actor_role"`
	ExecutedActions    []string `json:"executed_actions"`
	ExecutionResult    string   `json:"execution_result"`
	Error              string   `json:"error,omitempty"`

	LatencyMS     int64   `json:"latency_ms"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// NewRecord starts a record with a fresh run id and the n/a defaults.
func NewRecord(stage string, now time.Time) Record {
	return Record{
		RunID:           uuid.NewString(),
		Timestamp:       now.UTC().Format("2006-01-02T15:04:05Z"),
		Stage:           stage,
		AllowedTiers:    []string{},
		ApprovalStatus:  NotApplicable,
		ExecutedActions: []string{},
		ExecutionResult: NotApplicable,
	}
}

// Finish stamps the latency since start.
func (r *Record) Finish(start time.Time) {
	r.LatencyMS = time.Since(start).Milliseconds()
}

// #endregion record

// #region sink
// Sink stores audit records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

type tee []Sink

// Tee writes every record to each sink, continuing past failures.
func Tee(sinks ...Sink) Sink {
	var out tee
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (t tee) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range t {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops records.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(context.Context, Record) error { return nil }

// #endregion sink
