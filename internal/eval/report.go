package eval

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

var csvHeader = []string{
	"case_id", "retriever", "recall_at_k", "mrr_at_k", "acl_pass", "cite_ok",
	"category", "priority", "category_ok", "priority_ok", "approval_gate_ok",
	"retrieval_confidence", "top_docs", "passed", "fail_reason", "error",
}

// WriteCSV writes one row per case and strategy.
func WriteCSV(w io.Writer, res EvalResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range res.Cases {
		row := []string{
			c.ID, string(c.Strategy),
			strconv.FormatFloat(float64(c.RecallAtK), 'f', 3, 32),
			strconv.FormatFloat(float64(c.MRRAtK), 'f', 3, 32),
			strconv.FormatBool(c.ACLPass), strconv.FormatBool(c.CiteOK),
			string(c.GotCategory), string(c.GotPriority),
			strconv.FormatBool(c.CategoryOK), strconv.FormatBool(c.PriorityOK), strconv.FormatBool(c.ApprovalGateOK),
			strconv.FormatFloat(c.Confidence, 'f', 4, 64),
			strings.Join(c.TopDocs, ","),
			strconv.FormatBool(c.Passed()),
			strings.Join(c.FailReasons, "|"),
			c.Error,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReport writes a markdown summary with one table row per strategy.
func WriteReport(w io.Writer, res EvalResult, k int) error {
	var strategies []retrieval.Strategy
	for _, m := range res.Metrics {
		if len(strategies) == 0 || strategies[len(strategies)-1] != m.Strategy {
			strategies = append(strategies, m.Strategy)
		}
	}

	var b strings.Builder
	b.WriteString("# Eval Report\n\n")
	fmt.Fprintf(&b, "Result: %s\n\n", res.Reason)
	fmt.Fprintf(&b, "| Retriever | N ranked | Recall@%d | MRR@%d | ACL pass | Category | Priority | Approval gate | Errors |\n", k, k)
	b.WriteString("|---|---|---|---|---|---|---|---|---|\n")
	for _, s := range strategies {
		get := func(name string) EvalMetric {
			m, _ := res.Metric(s, name)
			return m
		}
		rec := get(MetricRecall)
		fmt.Fprintf(&b, "| %s | %d | %.3f | %.3f | %s | %s | %s | %s | %d |\n",
			s, rec.N, rec.Value, get(MetricMRR).Value,
			pct(get(MetricACLPass)), pct(get(MetricCategoryAccuracy)),
			pct(get(MetricPriorityAccuracy)), pct(get(MetricApprovalAccuracy)),
			int(get(MetricErrors).Value))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func pct(m EvalMetric) string {
	if m.N == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*m.Value)
}
