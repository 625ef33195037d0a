package gate

import (
	"regexp"
	"strings"
)

// #region keyword-tables
type keywordRow[T any] struct {
	key      T
	keywords []string
}

// Checked in order; the first row with a hit wins.
var categoryTable = []keywordRow[Category]{
	{CategoryVPN, []string{"vpn"}},
	{CategoryMFA, []string{"mfa", "2fa", "multi-factor"}},
	{CategoryOnboarding, []string{"onboarding", "new hire"}},
	{CategoryAccess, []string{"access", "permission", "grant", "iam", "role", "group", "shared drive", "drive", "folder", "sharepoint", "onedrive", "google drive"}},
}

var priorityTable = []keywordRow[Priority]{
	{PriorityCritical, []string{"outage", "down", "many users", "widespread"}},
	{PriorityHigh, []string{
		"urgent", "blocked", "critical", "asap", "immediately",
		"cannot sign in", "can't sign in", "unable to sign in",
		"cannot login", "can't login", "unable to login",
		"lost my phone", "lost phone", "mfa reset",
		"looping", "stuck", "locked out",
		"security incident", "incident response", "security investigation",
	}},
	{PriorityMedium, []string{
		"soon", "deadline soon",
		"can't access", "cannot access", "unable to access",
		"no access",
		"doesn't work",
		"no invite", "missing invite",
		"cannot reach", "can't reach",
		"cannot connect", "can't connect", "unable to connect",
		"authentication failed", "auth failed",
		"disconnects", "keeps disconnecting", "reconnecting", "reconnect",
		"time-limited", "temporary", "contractor", "one week",
	}},
}

func firstMatch[T any](table []keywordRow[T], lower string) (T, bool) {
	for _, row := range table {
		for _, kw := range row.keywords {
			if strings.Contains(lower, kw) {
				return row.key, true
			}
		}
	}
	var zero T
	return zero, false
}

// #endregion keyword-tables

// #region triage
var urgencyHeadingRe = regexp.MustCompile(`(?i)###\s*urgency\s*:?\s*\n`)

// ClassifyText triages request text. For tracker issues an explicit
// urgency section is authoritative, Low included; keyword priority is
// only inferred when no urgency is stated.
func ClassifyText(text string, source Source) Triage {
	lower := strings.ToLower(text)
	t := Triage{Category: CategoryOther, Priority: PriorityLow}

	if c, ok := firstMatch(categoryTable, lower); ok {
		t.Category = c
	}
	if source == SourceIssue {
		if p, ok := StatedUrgency(text); ok {
			t.Priority = p
			return t
		}
	}
	if p, ok := firstMatch(priorityTable, lower); ok {
		t.Priority = p
	}
	return t
}

// StatedUrgency reads the value under a "### Urgency" heading, looking at
// most five lines down.
func StatedUrgency(text string) (Priority, bool) {
	loc := urgencyHeadingRe.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	lines := strings.Split(text[loc[1]:], "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	for _, ln := range lines {
		val := strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(ln), "- []")))
		switch val {
		case "critical":
			return PriorityCritical, true
		case "high":
			return PriorityHigh, true
		case "medium":
			return PriorityMedium, true
		case "low":
			return PriorityLow, true
		}
	}
	return "", false
}

// #endregion triage

// #region normalize
var formHeadingRe = regexp.MustCompile(`^###\s*(.+)$`)

var keepSections = map[string]bool{
	"description":            true,
	"system / app":           true,
	"impact scope":           true,
	"exact error message":    true,
	"steps already tried":    true,
	"access request details": true,
	"environment":            true,
	"urgency":                true,
}

// NormalizeText reduces an issue-form body to its title line plus the
// sections useful for retrieval and triage. Other sources are only trimmed.
func NormalizeText(text string, source Source) string {
	trimmed := strings.TrimSpace(text)
	if source != SourceIssue {
		return trimmed
	}

	var kept []string
	keep := false
	for _, line := range strings.Split(trimmed, "\n") {
		s := strings.TrimSpace(line)
		if s != "" && len(kept) == 0 {
			kept = append(kept, s)
			continue
		}
		if m := formHeadingRe.FindStringSubmatch(s); m != nil {
			h := strings.TrimSpace(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(m[1])), ":"))
			keep = keepSections[h]
			if keep {
				kept = append(kept, s)
			}
			continue
		}
		if keep && s != "" && s != "- [ ]" && strings.ToLower(s) != "_no response_" {
			kept = append(kept, s)
		}
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if out == "" {
		return trimmed
	}
	return out
}

// #endregion normalize
