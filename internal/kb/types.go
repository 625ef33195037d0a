package kb

import (
	"path/filepath"
	"strings"
)

// #region tier
// Tier is the permission level attached to a passage.
type Tier string

const (
	TierPublic     Tier = "public"
	TierInternal   Tier = "internal"
	TierRestricted Tier = "restricted"
)

// Tiers lists every tier from least to most privileged.
var Tiers = []Tier{TierPublic, TierInternal, TierRestricted}

// Rank returns the position of t in Tiers, or -1 if unknown.
func (t Tier) Rank() int {
	for i, k := range Tiers {
		if k == t {
			return i
		}
	}
	return -1
}

// #endregion tier

// #region passage
// Passage is one heading-delimited chunk of a runbook.
type Passage struct {
	DocPath string `json:"doc_path"`
	Tier    Tier   `json:"tier"`
	Heading string `json:"heading"`
	Content string `json:"content"`
	Anchor  string `json:"anchor"`
}

// Filename returns the base name of the source document.
func (p Passage) Filename() string {
	return filepath.Base(filepath.ToSlash(p.DocPath))
}

// Text is the scoring and embedding text: heading, filename, then body.
func (p Passage) Text() string {
	return p.Heading + " " + p.Filename() + " " + p.Content
}

// HeadText is the heading plus filename, used for heading bonuses and intent bias.
func (p Passage) HeadText() string {
	return p.Heading + " " + p.Filename()
}

// #endregion passage

// #region filter
// Filter keeps only passages whose tier is in allowed, preserving order.
func Filter(passages []Passage, allowed []Tier) []Passage {
	ok := make(map[Tier]bool, len(allowed))
	for _, t := range allowed {
		ok[t] = true
	}
	var out []Passage
	for _, p := range passages {
		if ok[p.Tier] {
			out = append(out, p)
		}
	}
	return out
}

// ParseTiers converts names into tiers, dropping unknown values.
func ParseTiers(names []string) []Tier {
	var out []Tier
	for _, n := range names {
		t := Tier(strings.ToLower(strings.TrimSpace(n)))
		if t.Rank() >= 0 {
			out = append(out, t)
		}
	}
	return out
}

// #endregion filter
