package retrieval

import (
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

const (
	biasPositive = 0.15
	biasNegative = -0.10
)

var (
	troublePhrases  = []string{"can't", "cannot", "unable", "not working", "can't see", "missing", "no longer", "anymore", "error"}
	positivePhrases = []string{"verify", "troubleshoot", "fix", "resolve", "common", "steps", "close ticket", "error", "diagnose"}
	negativePhrases = []string{"purpose", "overview", "kb articles"}
)

// #region intent
// HasTroubleIntent reports whether the query reads like a troubleshooting request.
func HasTroubleIntent(query string) bool {
	return containsAny(strings.ToLower(strings.TrimSpace(query)), troublePhrases)
}

// IntentBias is the score adjustment for a passage under troubleshooting
// intent. Both adjustments apply when a heading matches both vocabularies.
func IntentBias(p kb.Passage) float64 {
	head := strings.ToLower(p.HeadText())
	var out float64
	if containsAny(head, positivePhrases) {
		out += biasPositive
	}
	if containsAny(head, negativePhrases) {
		out += biasNegative
	}
	return out
}

func containsAny(s string, phrases []string) bool {
	if s == "" {
		return false
	}
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// #endregion intent
