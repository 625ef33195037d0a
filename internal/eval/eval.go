package eval

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/audit"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/evidence"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/pipeline"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

// Metric names.
const (
	MetricRecall           = "recall_at_k"
	MetricMRR              = "mrr_at_k"
	MetricACLPass          = "acl_pass_rate"
	MetricCategoryAccuracy = "category_accuracy"
	MetricPriorityAccuracy = "priority_accuracy"
	MetricApprovalAccuracy = "approval_gate_accuracy"
	MetricErrors           = "errors"
)

// #region eval-harness
// EvalHarness replays golden cases through the ask stage once per strategy.
type EvalHarness struct {
	config EvalConfig
	deps   pipeline.Deps
	logger *slog.Logger
}

// NewEvalHarness creates a harness. deps is used as a template: its
// retrieval strategy and top-k are replaced per run, and runs are never
// audited or sent to a tracker.
func NewEvalHarness(deps pipeline.Deps, config EvalConfig) *EvalHarness {
	if config.K < 1 {
		config.K = DefaultEvalConfig().K
	}
	if len(config.Strategies) == 0 {
		config.Strategies = DefaultEvalConfig().Strategies
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.New("eval")
	}
	return &EvalHarness{config: config, deps: deps, logger: logger}
}

// Run scores every case under every configured strategy. Per-case failures
// are recorded in the result; the returned error is reserved for
// misconfiguration such as a vector strategy without an index cache.
func (h *EvalHarness) Run(ctx context.Context, cases []Case) (EvalResult, error) {
	var res EvalResult
	var failReasons []string

	for _, s := range h.config.Strategies {
		if s.NeedsIndex() && h.deps.Vectors == nil {
			return EvalResult{}, fmt.Errorf("eval %s: %w", s, retrieval.ErrNoVectorIndex)
		}
		p := pipeline.New(h.pipelineDeps(s))

		rows := make([]CaseResult, 0, len(cases))
		for _, c := range cases {
			if err := ctx.Err(); err != nil {
				return EvalResult{}, err
			}
			rows = append(rows, h.runCase(ctx, p, s, c))
		}
		metrics, fails := h.aggregate(s, rows)
		res.Metrics = append(res.Metrics, metrics...)
		res.Cases = append(res.Cases, rows...)
		failReasons = append(failReasons, fails...)

		h.logger.Info("strategy evaluated", "strategy", s, "cases", len(rows), "failed_checks", len(fails))
	}

	res.Passed = len(failReasons) == 0
	res.Reason = "all checks passed"
	if !res.Passed {
		res.Reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			res.Reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}
	return res, nil
}

func (h *EvalHarness) pipelineDeps(s retrieval.Strategy) pipeline.Deps {
	d := h.deps
	d.Retrieval.Strategy = s
	d.Retrieval.TopK = h.config.K
	d.Tracker = nil
	d.Claimer = nil
	d.Audit = audit.Discard
	d.Logger = h.logger
	return d
}

// #endregion eval-harness

// #region run-case
func (h *EvalHarness) runCase(ctx context.Context, p *pipeline.Pipeline, s retrieval.Strategy, c Case) CaseResult {
	row := CaseResult{ID: c.ID, Strategy: s, HasExpectedDocs: len(c.MustCite) > 0}

	out, err := p.Ask(ctx, pipeline.Request{UserID: c.UserID, Text: c.IssueText})
	if err != nil {
		row.Error = err.Error()
		h.logger.Warn("case failed", "case", c.ID, "strategy", s, "err", err)
		return row
	}

	row.RecallAtK = RecallAtK(out.Citations, c.MustCite, h.config.K)
	row.MRRAtK = MRRAtK(out.Citations, c.MustCite, h.config.K)
	row.TopDocs = topDocs(out.Citations, h.config.K)
	row.ACLPass = ACLPass(out.Citations, c.MustNotCite)
	row.CiteOK = CitesAny(out.Citations, c.MustCite)
	row.Confidence = out.RetrievalConfidence

	if out.Triage != nil {
		row.GotCategory = out.Triage.Category
		row.GotPriority = out.Triage.Priority
	}
	row.CategoryOK = row.GotCategory == c.ExpectedCategory
	row.PriorityOK = row.GotPriority == c.ExpectedPriority
	row.ApprovalGateOK = ApprovalGateOK(out.ProposedActionsStruct, c.ExpectedApproval)

	for _, check := range []struct {
		ok     bool
		reason string
	}{
		{row.ACLPass, "acl_violation"},
		{row.CiteOK, "citation_mismatch"},
		{row.CategoryOK, "category_mismatch"},
		{row.PriorityOK, "priority_mismatch"},
		{row.ApprovalGateOK, "approval_gate_wrong"},
	} {
		if !check.ok {
			row.FailReasons = append(row.FailReasons, check.reason)
		}
	}
	if len(row.FailReasons) > 0 {
		h.logger.Debug("case mismatch", "case", c.ID, "strategy", s, "reasons", strings.Join(row.FailReasons, "|"))
	}
	return row
}

// #endregion run-case

// #region aggregate
func (h *EvalHarness) aggregate(s retrieval.Strategy, rows []CaseResult) ([]EvalMetric, []string) {
	var (
		nOK, nRanked, errs           int
		recall, mrr                  float32
		aclOK, catOK, prioOK, gateOK int
	)
	for _, r := range rows {
		if r.Error != "" {
			errs++
			continue
		}
		nOK++
		if r.HasExpectedDocs {
			nRanked++
			recall += r.RecallAtK
			mrr += r.MRRAtK
		}
		if r.ACLPass {
			aclOK++
		}
		if r.CategoryOK {
			catOK++
		}
		if r.PriorityOK {
			prioOK++
		}
		if r.ApprovalGateOK {
			gateOK++
		}
	}

	var metrics []EvalMetric
	var fails []string
	add := func(name string, value float32, n int, pass bool, failMsg string) {
		metrics = append(metrics, EvalMetric{Strategy: s, Name: name, Value: value, N: n, Pass: pass})
		if !pass && failMsg != "" {
			fails = append(fails, failMsg)
		}
	}

	rec := ratio(recall, nRanked)
	add(MetricRecall, rec, nRanked, nRanked == 0 || rec >= h.config.MinRecall,
		fmt.Sprintf("%s recall@%d %.3f below %.3f", s, h.config.K, rec, h.config.MinRecall))
	// informational
	add(MetricMRR, ratio(mrr, nRanked), nRanked, true, "")

	acl := ratio(float32(aclOK), nOK)
	add(MetricACLPass, acl, nOK, aclOK == nOK,
		fmt.Sprintf("%s acl violations: %d", s, nOK-aclOK))

	cat := ratio(float32(catOK), nOK)
	add(MetricCategoryAccuracy, cat, nOK, nOK == 0 || cat >= h.config.MinCategoryAccuracy,
		fmt.Sprintf("%s category accuracy %.3f below %.3f", s, cat, h.config.MinCategoryAccuracy))
	add(MetricPriorityAccuracy, ratio(float32(prioOK), nOK), nOK, true, "")

	gateAcc := ratio(float32(gateOK), nOK)
	add(MetricApprovalAccuracy, gateAcc, nOK, nOK == 0 || gateAcc >= h.config.MinApprovalAccuracy,
		fmt.Sprintf("%s approval gate accuracy %.3f below %.3f", s, gateAcc, h.config.MinApprovalAccuracy))

	add(MetricErrors, float32(errs), len(rows), errs == 0,
		fmt.Sprintf("%s: %d cases errored", s, errs))
	return metrics, fails
}

func ratio(sum float32, n int) float32 {
	if n == 0 {
		return 0
	}
	return sum / float32(n)
}

// #endregion aggregate

// #region scoring
func docName(doc string) string {
	return path.Base(strings.ReplaceAll(doc, "\\", "/"))
}

// RecallAtK is 1 when any of the first k citations names an expected
// document, matched by file name.
func RecallAtK(citations []evidence.Citation, expected []string, k int) float32 {
	if MRRAtK(citations, expected, k) > 0 {
		return 1
	}
	return 0
}

// MRRAtK is the reciprocal 1-based rank of the first expected document in
// the first k citations, or 0.
func MRRAtK(citations []evidence.Citation, expected []string, k int) float32 {
	if len(expected) == 0 {
		return 0
	}
	names := make([]string, 0, len(expected))
	for _, e := range expected {
		if e != "" {
			names = append(names, docName(e))
		}
	}
	for i, c := range citations[:min(k, len(citations))] {
		if slices.Contains(names, docName(c.Doc)) {
			return 1 / float32(i+1)
		}
	}
	return 0
}

// ACLPass reports whether no citation falls in a tier the case forbids.
// Restricted is also detected from a /restricted/ path segment.
func ACLPass(citations []evidence.Citation, mustNotCite []string) bool {
	for _, forbidden := range mustNotCite {
		for _, c := range citations {
			if string(c.Tier) == forbidden {
				return false
			}
			if forbidden == string(kb.TierRestricted) && strings.Contains(strings.ReplaceAll(c.Doc, "\\", "/"), "/restricted/") {
				return false
			}
		}
	}
	return true
}

// CitesAny reports whether some citation's path contains one of substrs.
// An empty list always passes.
func CitesAny(citations []evidence.Citation, substrs []string) bool {
	if len(substrs) == 0 {
		return true
	}
	for _, c := range citations {
		doc := strings.ReplaceAll(c.Doc, "\\", "/")
		for _, s := range substrs {
			if s != "" && strings.Contains(doc, s) {
				return true
			}
		}
	}
	return false
}

// ApprovalGateOK checks the gate decision against an expected outcome.
// Unknown expectations pass.
func ApprovalGateOK(pas *gate.ProposedActionStruct, expected string) bool {
	if expected == "" {
		expected = ApprovalNone
	}
	switch expected {
	case ApprovalL2ITAdmin:
		return pas != nil && pas.RiskLevel == gate.RiskL2 && pas.NeedsApproval && pas.ApprovalRoleRequired == directory.RoleITAdmin
	case ApprovalNone:
		return pas != nil && !pas.NeedsApproval
	}
	return true
}

func topDocs(citations []evidence.Citation, k int) []string {
	out := make([]string, 0, k)
	for _, c := range citations[:min(k, len(citations))] {
		out = append(out, docName(c.Doc))
	}
	return out
}

// #endregion scoring
