package eval

import (
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

// Expected approval outcomes in golden cases.
const (
	ApprovalL2ITAdmin = "L2_requires_IT_Admin"
	ApprovalNone      = "n/a"
)

// #region case
// Case is one golden request with its expected retrieval and policy outcome.
type Case struct {
	ID        string `yaml:"id"`
	UserID    string `yaml:"user_id"`
	IssueText string `yaml:"issue_text"`

	// MustCite holds document file names (or path fragments) at least one
	// of which should be cited. MustNotCite lists forbidden tiers.
	MustCite    []string `yaml:"must_cite"`
	MustNotCite []string `yaml:"must_not_cite"`

	ExpectedCategory gate.Category `yaml:"expected_category"`
	ExpectedPriority gate.Priority `yaml:"expected_priority"`
	ExpectedApproval string        `yaml:"expected_approval"`
}

// #endregion case

// #region eval-config
// EvalConfig holds the strategies to compare and the pass thresholds.
type EvalConfig struct {
	Strategies []retrieval.Strategy
	K          int // cutoff for Recall@K and MRR@K

	MinRecall           float32 // reject if Recall@K falls below this
	MinCategoryAccuracy float32
	MinApprovalAccuracy float32
}

// DefaultEvalConfig compares keyword retrieval only at K=3.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		Strategies:          []retrieval.Strategy{retrieval.StrategyKeyword},
		K:                   3,
		MinRecall:           0.5,
		MinCategoryAccuracy: 0.8,
		MinApprovalAccuracy: 1.0,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single aggregate check.
type EvalMetric struct {
	Strategy retrieval.Strategy `json:"strategy"`
	Name     string             `json:"name"`
	Value    float32            `json:"value"`
	N        int                `json:"n"`
	Pass     bool               `json:"pass"`
}

// #endregion eval-metric

// #region case-result
// CaseResult is the outcome of one case under one strategy.
type CaseResult struct {
	ID       string             `json:"id"`
	Strategy retrieval.Strategy `json:"strategy"`

	RecallAtK float32  `json:"recall_at_k"`
	MRRAtK    float32  `json:"mrr_at_k"`
	TopDocs   []string `json:"top_docs"`

	HasExpectedDocs bool `json:"has_expected_docs"`
	ACLPass         bool `json:"acl_pass"`
	CiteOK          bool `json:"cite_ok"`
	CategoryOK      bool `json:"category_ok"`
	PriorityOK      bool `json:"priority_ok"`
	ApprovalGateOK  bool `json:"approval_gate_ok"`

	GotCategory gate.Category `json:"got_category"`
	GotPriority gate.Priority `json:"got_priority"`
	Confidence  float64       `json:"retrieval_confidence"`

	FailReasons []string `json:"fail_reasons,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Passed reports whether every check on the case held.
func (c CaseResult) Passed() bool {
	return c.Error == "" && len(c.FailReasons) == 0
}

// #endregion case-result

// #region eval-result
// EvalResult is the output of a golden-set run.
type EvalResult struct {
	Passed  bool         `json:"passed"`
	Metrics []EvalMetric `json:"metrics"`
	Cases   []CaseResult `json:"cases"`
	Reason  string       `json:"reason"`
}

// Metric returns the named metric for a strategy.
func (r EvalResult) Metric(s retrieval.Strategy, name string) (EvalMetric, bool) {
	for _, m := range r.Metrics {
		if m.Strategy == s && m.Name == name {
			return m, true
		}
	}
	return EvalMetric{}, false
}

// #endregion eval-result
