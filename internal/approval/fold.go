package approval

import (
	"regexp"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/tracker"
)

var approveRe = regexp.MustCompile(`(?i)^\s*APPROVE\s*$`)

// IsPlan reports whether a comment body carries a plan title.
func IsPlan(body string) bool {
	return strings.Contains(body, TitlePending) || strings.Contains(body, TitleTriaged)
}

// IsApprove reports whether a comment body is exactly an approval.
func IsApprove(body string) bool {
	return approveRe.MatchString(body)
}

// #region fold
// Scan is the state of the comment fold: the latest plan and the latest
// approval posted after it.
type Scan struct {
	Plan      *tracker.Comment
	PlanIndex int
	Approval  *tracker.Comment
}

// Step advances the fold by one comment. A new plan discards any approval
// seen before it.
func (s Scan) Step(i int, c tracker.Comment) Scan {
	switch {
	case IsPlan(c.Body):
		return Scan{Plan: &c, PlanIndex: i}
	case s.Plan != nil && IsApprove(c.Body):
		s.Approval = &c
	}
	return s
}

// FindLatestPlanAndApproval folds comments, oldest first.
func FindLatestPlanAndApproval(comments []tracker.Comment) Scan {
	s := Scan{PlanIndex: -1}
	for i, c := range comments {
		s = s.Step(i, c)
	}
	return s
}

// #endregion fold
