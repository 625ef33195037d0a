// Package pipeline wires retrieval, synthesis, the policy gate, the proposal
// guard and the approval executor into the ask, propose and execute stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/approval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/audit"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/evidence"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/guard"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/llm"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/telemetry"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/tracker"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/vindex"
)

var (
	// ErrUnknownUser is returned when the requester is not in the directory
	// and no valid role override was given.
	ErrUnknownUser = errors.New("user not found in directory")
	// ErrEmptyRequest is returned when there is no request text.
	ErrEmptyRequest = errors.New("request text is required")
	// ErrNoTracker is returned by tracker stages on a pipeline built without one.
	ErrNoTracker = errors.New("no issue tracker configured")
)

// Stage results recorded by the propose stage.
const (
	ResultProposeOnly       = "propose_only"
	ResultProposeAndExecute = "propose_and_execute"
	ResultAuthorUnresolved  = "author_unresolved"
)

const (
	unresolvedComment = "We could not match the issue author to a user in our directory. Please escalate to IT or an administrator to get access."
	unresolvedAnswer  = "Author unresolved; escalation comment posted."
	unknownRole       = "Unknown"
)

// #region deps
// Deps are the collaborators of a Pipeline. Vectors is required only for
// vector and hybrid retrieval; Tracker only for propose and execute.
type Deps struct {
	Docs      string
	Directory *directory.Directory
	Retrieval retrieval.Config
	Vectors   *vindex.Cache
	Generator llm.Generator
	Policy    gate.Policy
	Tracker   tracker.Tracker
	Claimer   approval.Claimer
	Audit     audit.Sink
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Options are per-run switches.
type Options struct {
	LLMIntermediate bool `json:"llm_intermediate"`
	LLMPropose      bool `json:"llm_propose"`
	RebuildIndex    bool `json:"rebuild_index"`
}

// Request is one ask from the command line or API.
type Request struct {
	UserID       string `json:"user_id"`
	RoleOverride string `json:"role_override"`
	Text         string `json:"text"`
	Options
}

// ProposeRequest selects an issue. UserID and Text override the issue
// author and the issue text when set.
type ProposeRequest struct {
	Issue        int    `json:"issue"`
	UserID       string `json:"user_id"`
	RoleOverride string `json:"role_override"`
	Text         string `json:"text"`
	Options
}

// #endregion deps

// #region pipeline
// Pipeline runs the stages against one knowledge base and directory.
type Pipeline struct {
	docs      string
	dir       *directory.Directory
	retrieval retrieval.Config
	vectors   *vindex.Cache
	synth     *evidence.Synthesizer
	gate      *gate.Gate
	guard     *guard.Guard
	tracker   tracker.Tracker
	executor  *approval.Executor
	sink      audit.Sink
	metrics   *telemetry.Metrics
	log       *slog.Logger
	now       func() time.Time
}

// New builds a pipeline from deps.
func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = logging.New("pipeline")
	}
	sink := d.Audit
	if sink == nil {
		sink = audit.Discard
	}
	dir := d.Directory
	if dir == nil {
		dir = directory.New(nil)
	}
	p := &Pipeline{
		docs:      d.Docs,
		dir:       dir,
		retrieval: d.Retrieval,
		vectors:   d.Vectors,
		synth:     evidence.NewSynthesizer(d.Generator, d.Metrics, d.Logger),
		gate:      gate.NewGate(d.Policy),
		guard:     guard.NewGuard(d.Generator, d.Metrics, d.Logger),
		tracker:   d.Tracker,
		sink:      sink,
		metrics:   d.Metrics,
		log:       logger,
		now:       time.Now,
	}
	if d.Tracker != nil {
		p.executor = approval.NewExecutor(d.Tracker, dir, d.Claimer, sink, d.Metrics, d.Logger)
	}
	return p
}

// #endregion pipeline

// #region run
// run carries one request through retrieval, synthesis and the gate.
type run struct {
	entry  directory.Entry
	tiers  []kb.Tier
	raw    string
	text   string
	source gate.Source
	opts   Options

	res          retrieval.Result
	intermediate evidence.Intermediate
	imeta        evidence.Meta
	catalog      *evidence.Catalog
	answer       string
	actions      []string
	citations    []evidence.Citation
	triage       gate.Triage
	pas          gate.ProposedActionStruct
	proposal     *guard.Proposal
	pmeta        guard.Meta
}

func (p *Pipeline) process(ctx context.Context, r *run) error {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.process")
	defer span.End()

	r.text = gate.NormalizeText(r.raw, r.source)
	r.tiers = r.entry.AllowedTiers()

	pool, err := kb.Load(p.docs, r.tiers)
	if err != nil {
		return fmt.Errorf("load knowledge base: %w", err)
	}

	var index retrieval.VectorIndex
	if p.retrieval.Strategy.NeedsIndex() && len(pool) > 0 {
		if p.vectors == nil {
			return fmt.Errorf("%s strategy: %w", p.retrieval.Strategy, retrieval.ErrNoVectorIndex)
		}
		ix, err := p.vectors.BuildOrLoad(ctx, pool, r.opts.RebuildIndex)
		if err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
		index = ix
	}

	start := time.Now()
	r.res, err = retrieval.NewRetriever(p.retrieval, index).Retrieve(ctx, r.text, pool)
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	p.metrics.ObserveRetrieval(string(r.res.Debug.RetrieverType), time.Since(start))

	r.intermediate, r.imeta, r.catalog = p.synth.Synthesize(ctx, r.text, r.res, r.opts.LLMIntermediate)
	r.answer, r.actions = evidence.Answer(r.intermediate, r.catalog)
	evidence.AlignConfidence(&r.intermediate, r.res.Confidence)
	r.citations = evidence.Citations(r.intermediate, r.catalog)

	r.triage = gate.ClassifyText(r.text, r.source)
	r.pas = p.gate.Classify(r.triage, r.actions)
	if r.opts.LLMPropose {
		r.proposal, r.pmeta = p.guard.Propose(ctx, r.text, r.triage, r.intermediate)
		p.guard.Apply(&r.pas, r.proposal, r.text, &r.pmeta)
	}

	p.log.Info("processed",
		"user", r.entry.UserID,
		"strategy", r.res.Debug.RetrieverType,
		"ranked", len(r.res.Ranked),
		"confidence", r.res.Confidence,
		"category", r.triage.Category,
		"risk", r.pas.RiskLevel,
	)
	return nil
}

func (p *Pipeline) output(r *run) *Output {
	tri := r.triage
	pas := r.pas
	out := &Output{
		Answer:                 r.answer,
		Citations:              r.citations,
		RetrievedCitationsTopK: evidence.RetrievedCitations(r.catalog),
		Triage:                 &tri,
		TriageMethod:           TriageMethod,
		RetrievalConfidence:    r.res.Confidence,
		ProposedActions:        r.actions,
		ProposedActionsStruct:  &pas,
		Debug: Debug{
			UserID:                        r.entry.UserID,
			Role:                          r.entry.Role,
			AllowedTiers:                  r.tiers,
			IssueTextSource:               r.source,
			IssueTextPreview:              preview(r.text),
			IssueTextPreviewRaw:           preview(r.raw),
			IssueTextNormalized:           r.text,
			IssueTextRaw:                  r.raw,
			Retrieved:                     r.res.Scored(),
			LLMPropose:                    r.opts.LLMPropose,
			LLMIntermediateRequested:      r.opts.LLMIntermediate,
			LLMIntermediateUsed:           r.imeta.UsedLLM,
			LLMIntermediateFallbackReason: r.imeta.FallbackReason,
			Debug:                         &r.res.Debug,
		},
	}
	if r.opts.LLMIntermediate {
		in, meta := r.intermediate, r.imeta
		out.Intermediate, out.IntermediateMeta = &in, &meta
	}
	if r.opts.LLMPropose {
		meta := r.pmeta
		out.Proposal, out.ProposalMeta = r.proposal, &meta
	}
	return out
}

func (p *Pipeline) record(stage string, r *run) audit.Record {
	rec := audit.NewRecord(stage, p.now())
	rec.RequesterUserID = r.entry.UserID
	rec.RequesterRole = r.entry.Role
	rec.AllowedTiers = tierStrings(r.tiers)
	rec.Triage = &audit.TriageRecord{Category: r.triage.Category, Priority: r.triage.Priority, Method: TriageMethod}
	rec.RetrievalConfidence = r.res.Confidence
	rec.Retrieved = r.res.Scored()
	rec.Citations = r.citations
	pas := r.pas
	rec.ProposedActionsStruct = &pas
	rec.RetrieverType = string(r.res.Debug.RetrieverType)
	rec.CandidateK = r.res.Debug.CandidateK
	if info := r.res.Debug.VectorIndexInfo; info != nil {
		rec.VectorModelName = info.ModelName
	}
	rec.IntermediateFallback = r.imeta.FallbackReason
	rec.LLMPropose = r.opts.LLMPropose
	if r.opts.LLMPropose {
		meta := r.pmeta
		rec.ProposalMeta = &meta
	}
	rec.IssueTextSource = string(r.source)
	rec.IssueTextLen = len([]rune(r.text))
	rec.IssueTextLenRaw = len([]rune(r.raw))
	return rec
}

func (p *Pipeline) appendAudit(ctx context.Context, rec audit.Record, start time.Time) error {
	rec.Finish(start)
	if err := p.sink.Append(ctx, rec); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// #endregion run

// #region ask
// Ask answers a free-text request for a directory user. Nothing is posted
// anywhere; one audit record is written.
func (p *Pipeline) Ask(ctx context.Context, req Request) (*Output, error) {
	start := time.Now()
	raw := strings.TrimSpace(req.Text)
	if raw == "" {
		return nil, ErrEmptyRequest
	}
	entry, err := p.dir.Resolve(req.UserID, req.RoleOverride)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, req.UserID)
	}

	r := &run{entry: entry, raw: raw, source: gate.SourceCLI, opts: req.Options}
	if err := p.process(ctx, r); err != nil {
		return nil, errors.Join(err, p.appendAudit(ctx, p.failed(audit.StageAsk, r, err), start))
	}
	out := p.output(r)
	if err := p.appendAudit(ctx, p.record(audit.StageAsk, r), start); err != nil {
		return out, err
	}
	return out, nil
}

// #endregion ask

// #region propose
// Propose answers an issue and posts the plan comment. Plans that need no
// approval are executed immediately. Posting happens under the issue's
// execution claim; an executed issue is left untouched. An issue author
// missing from the directory gets an escalation comment instead.
func (p *Pipeline) Propose(ctx context.Context, req ProposeRequest) (*Output, error) {
	if p.tracker == nil {
		return nil, ErrNoTracker
	}
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.propose")
	defer span.End()

	raw, source := strings.TrimSpace(req.Text), gate.SourceCLI
	author := ""
	if raw == "" {
		is, err := p.tracker.GetIssue(ctx, req.Issue)
		if err != nil {
			return nil, fmt.Errorf("read issue #%d: %w", req.Issue, err)
		}
		raw, source, author = strings.TrimSpace(is.Text()), gate.SourceIssue, is.Author
	}
	if raw == "" {
		return nil, ErrEmptyRequest
	}

	var entry directory.Entry
	var err error
	if req.UserID != "" {
		entry, err = p.dir.Resolve(req.UserID, req.RoleOverride)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownUser, req.UserID)
		}
	} else if entry, err = p.dir.ByLogin(author); err != nil {
		return p.authorUnresolved(ctx, req.Issue, author, start)
	}

	r := &run{entry: entry, raw: raw, source: source, opts: req.Options}
	if err := p.process(ctx, r); err != nil {
		rec := p.failed(audit.StagePropose, r, err)
		rec.Repo = p.tracker.Repo()
		rec.IssueNumber = req.Issue
		p.metrics.Executed(rec.ExecutionResult)
		return nil, errors.Join(err, p.appendAudit(ctx, rec, start))
	}
	out := p.output(r)

	rec := p.record(audit.StagePropose, r)
	rec.Repo = p.tracker.Repo()
	rec.IssueNumber = req.Issue
	executed, result := []string{}, ""
	skipped, err := p.executor.Exclusive(ctx, req.Issue, func(ctx context.Context) error {
		var perr error
		executed, result, perr = p.postPlan(ctx, req.Issue, r)
		return perr
	})
	if skipped != "" {
		p.log.Info("plan not posted", "issue", req.Issue, "reason", skipped)
		executed, result = []string{}, string(skipped)
	}
	rec.ExecutedActions = executed
	rec.ExecutionResult = result
	if err != nil {
		rec.ExecutionResult = string(approval.ResultError)
		if rec.ExecutedActions == nil {
			rec.ExecutedActions = []string{}
		}
		rec.Error = err.Error()
		out.Debug.TrackerError = err.Error()
		p.log.Error("propose failed", "issue", req.Issue, "err", err)
	}
	out.Debug.ExecutionResult = rec.ExecutionResult
	p.metrics.Executed(rec.ExecutionResult)

	if err := p.appendAudit(ctx, rec, start); err != nil {
		return out, err
	}
	return out, nil
}

func (p *Pipeline) postPlan(ctx context.Context, issue int, r *run) ([]string, string, error) {
	in := approval.PlanInput{
		Actions:          r.pas,
		Answer:           r.answer,
		Catalog:          r.catalog,
		Intermediate:     r.intermediate,
		IntermediateMeta: r.imeta,
	}
	if r.opts.LLMPropose {
		meta := r.pmeta
		in.Proposal, in.ProposalMeta = r.proposal, &meta
	}
	if err := p.tracker.PostComment(ctx, issue, approval.RenderPlan(in)); err != nil {
		return nil, "", fmt.Errorf("post plan: %w", err)
	}
	if len(r.pas.LabelsToAdd) > 0 {
		if err := p.tracker.AddLabels(ctx, issue, r.pas.LabelsToAdd, gate.StatusPrefix); err != nil {
			return nil, "", fmt.Errorf("add labels: %w", err)
		}
	}
	if r.pas.NeedsApproval {
		return []string{}, ResultProposeOnly, nil
	}
	executed, err := approval.Apply(ctx, p.tracker, issue, r.pas)
	if err != nil {
		return executed, "", err
	}
	return executed, ResultProposeAndExecute, nil
}

// failed is the audit record of a request that never got through retrieval.
func (p *Pipeline) failed(stage string, r *run, cause error) audit.Record {
	rec := audit.NewRecord(stage, p.now())
	rec.RequesterUserID = r.entry.UserID
	rec.RequesterRole = r.entry.Role
	rec.AllowedTiers = tierStrings(r.entry.AllowedTiers())
	rec.RetrieverType = string(p.retrieval.Strategy)
	if p.retrieval.Strategy.NeedsIndex() {
		rec.CandidateK = p.retrieval.CandidateK
	}
	rec.LLMPropose = r.opts.LLMPropose
	rec.IssueTextSource = string(r.source)
	rec.IssueTextLen = len([]rune(r.text))
	rec.IssueTextLenRaw = len([]rune(r.raw))
	rec.ExecutionResult = string(approval.ResultError)
	rec.Error = cause.Error()
	return rec
}

func (p *Pipeline) authorUnresolved(ctx context.Context, issue int, author string, start time.Time) (*Output, error) {
	p.log.Warn("issue author not in directory", "issue", issue, "author", author)
	rec := audit.NewRecord(audit.StagePropose, p.now())
	rec.Repo = p.tracker.Repo()
	rec.IssueNumber = issue
	rec.RequesterRole = unknownRole
	rec.AllowedTiers = []string{string(kb.TierPublic)}
	rec.ExecutionResult = ResultAuthorUnresolved
	if err := p.tracker.PostComment(ctx, issue, unresolvedComment); err != nil {
		rec.ExecutionResult = string(approval.ResultError)
		rec.Error = err.Error()
	}
	p.metrics.Executed(rec.ExecutionResult)

	out := &Output{
		Answer:    unresolvedAnswer,
		Citations: []evidence.Citation{},
		Debug:     Debug{ExecutionResult: rec.ExecutionResult, TrackerError: rec.Error},
	}
	if err := p.appendAudit(ctx, rec, start); err != nil {
		return out, err
	}
	return out, nil
}

// #endregion propose

// #region execute
// Execute runs the approval state machine for an issue.
func (p *Pipeline) Execute(ctx context.Context, issue int) (approval.Outcome, error) {
	if p.executor == nil {
		return approval.Outcome{}, ErrNoTracker
	}
	return p.executor.Execute(ctx, issue)
}

// #endregion execute
