package evidence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// #region vocabulary
var (
	checkboxRe   = regexp.MustCompile(`^-\s*\[\s*[xX ]\s*\]\s*`)
	listItemRe   = regexp.MustCompile(`^(\d+\.|- |\* |\+ )`)
	bulletMarkRe = regexp.MustCompile(`^(-|\*|\+)\s+`)
	numberMarkRe = regexp.MustCompile(`^\d+\.\s+`)
	imperativeRe = regexp.MustCompile(`(?i)^(confirm|ensure|check|retry|restart|open|disconnect|reconnect|verify|sign in|sign-in)\b`)
	punctRe      = regexp.MustCompile(`[^\w\s]`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

var boilerplatePrefixes = []string{
	"use this runbook when", "purpose:", "objective:", "risk level:", "action type:",
}

var fillerPrefixes = []string{
	"resolution includes",
	"likely causes include",
	"user may experience",
	"steps include",
	"this may be due to",
}

var rationaleMarkers = []string{"because", "so that", "indicating", "likely", " may ", " can ", "helps"}

// Verbs recognized at the start of a step, also accepted for unattributed
// generated steps.
var stepVerbs = []string{"confirm", "ensure", "check", "retry", "restart", "open", "disconnect", "reconnect", "verify", "sign in", "sign-in"}

// groupOrder is the order summary steps are emitted in.
var groupOrder = []string{"verify", "check", "confirm", "ensure", "retry", "restart", "reconnect", "disconnect", "open", "sign in", "other"}

var troublePhrases = []string{"cannot", "can't", "unable", "not working", "doesn't work", "error"}

const (
	defaultRationale  = "Recommended by the cited runbook for this symptom."
	clarifyDetails    = "Which system/app is this for, and what is the exact error message (copy/paste if possible)?"
	clarifyNoEvidence = "What system/app and exact error message are you seeing?"
	padBullet         = "Review the retrieved runbook sections and follow the documented steps."
	padStep           = "Follow the cited runbook steps."
)

// #endregion vocabulary

// #region line-picking
func isBoilerplate(line string) bool {
	if checkboxRe.MatchString(line) {
		return true
	}
	lower := strings.ToLower(line)
	for _, p := range boilerplatePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func stripListMarker(line string) string {
	line = bulletMarkRe.ReplaceAllString(line, "")
	line = numberMarkRe.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}

// PickBestLine extracts one short actionable line from a passage body:
// list items first, then imperative lines, then the first plain line.
func PickBestLine(text string) string {
	var lines []string
	for _, ln := range strings.Split(text, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) == 0 {
		return ""
	}

	passes := []func(string) bool{
		listItemRe.MatchString,
		imperativeRe.MatchString,
		func(ln string) bool { return !strings.HasPrefix(ln, "#") },
		func(string) bool { return true },
	}
	for _, accept := range passes {
		for _, ln := range lines {
			if isBoilerplate(ln) {
				continue
			}
			if accept(ln) {
				return stripListMarker(ln)
			}
		}
	}
	return ""
}

// ExtractRationale takes the tail of text from the first explanatory marker,
// never adding words of its own.
func ExtractRationale(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return defaultRationale
	}
	for _, m := range rationaleMarkers {
		idx := indexFold(t, m)
		if idx < 0 {
			continue
		}
		tail := strings.TrimSpace(t[idx:])
		tl := strings.ToLower(tail)
		if strings.HasPrefix(tl, "to the ") || strings.HasPrefix(tl, "to a ") || strings.HasPrefix(tl, "to be ") {
			break
		}
		if tail == "" {
			return defaultRationale
		}
		if runeLen(tail) > maxRationaleRunes {
			tail = strings.TrimRight(truncate(tail, maxRationaleRunes-3), " \t") + "..."
		}
		return tail
	}
	return defaultRationale
}

// indexFold is strings.Index ignoring case, returning a byte offset into s.
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if utf8.RuneStart(s[i]) && strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

// #endregion line-picking

// #region verb-grouping
func stripFiller(text string) string {
	t := strings.TrimSpace(text)
	lower := strings.ToLower(t)
	for _, f := range fillerPrefixes {
		if strings.HasPrefix(lower, f) {
			t = strings.TrimSpace(t[len(f):])
			break
		}
	}
	return t
}

func normalizeAction(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = punctRe.ReplaceAllString(t, " ")
	t = spaceRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// LeadingVerb returns the grouping key of an action line, or "other".
func LeadingVerb(text string) string {
	t := normalizeAction(stripFiller(text))
	for _, article := range []string{"the ", "a ", "an "} {
		if strings.HasPrefix(t, article) {
			t = strings.TrimSpace(t[len(article):])
			break
		}
	}
	for _, v := range stepVerbs {
		if strings.HasPrefix(t, v) {
			if v == "sign-in" {
				return "sign in"
			}
			return v
		}
	}
	words := strings.Fields(t)
	if len(words) > 8 {
		words = words[:8]
	}
	for _, v := range stepVerbs {
		if v == "sign in" || v == "sign-in" {
			for i := 0; i+1 < len(words); i++ {
				if words[i] == "sign" && words[i+1] == "in" {
					return "sign in"
				}
			}
			continue
		}
		for _, w := range words {
			if w == v {
				return v
			}
		}
	}
	return "other"
}

// #endregion verb-grouping

// #region deterministic
// NoEvidence is the fixed intermediate for an empty retrieval.
func NoEvidence() Intermediate {
	return Intermediate{
		SummarySteps: []Step{
			{Step: "Escalate through official IT support.", Rationale: "No runbook sections were retrieved.", SourceIDs: []string{}},
			{Step: "Provide more details or error message.", Rationale: "Helps narrow down the right runbook.", SourceIDs: []string{}},
		},
		EvidenceBullets: []Bullet{
			{Text: "No accessible runbook sections were retrieved for this request.", SourceID: NoSource},
			{Text: "Escalate through the official IT support process or provide more details.", SourceID: NoSource},
		},
		ClarifyingQuestion: clarifyNoEvidence,
		ConfidenceLevel:    LevelLow,
		ConfidenceReason:   "No retrieved evidence available in accessible tiers.",
	}
}

// Deterministic builds the intermediate without a generator. confidence is
// the retrieval engine's number and is never recomputed here.
func Deterministic(c *Catalog, query string, maxScore, confidence float64) Intermediate {
	if c.Len() == 0 {
		return NoEvidence()
	}

	var bullets []Bullet
	for i, src := range c.Sources() {
		if i >= maxBullets {
			break
		}
		best := PickBestLine(src.Content)
		if best == "" {
			best = src.DocName + " — " + src.Heading
		}
		if runeLen(best) > maxBulletRunes {
			best = ellipsize(best, maxBulletRunes)
		}
		bullets = append(bullets, Bullet{Text: best, SourceID: src.ID})
	}
	for len(bullets) < minBullets {
		bullets = append(bullets, Bullet{Text: padBullet, SourceID: NoSource})
	}

	steps := summarize(bullets)
	var fallbackIDs []string
	for _, b := range bullets {
		if b.SourceID != NoSource && len(fallbackIDs) < 3 {
			fallbackIDs = append(fallbackIDs, b.SourceID)
		}
	}
	if len(fallbackIDs) == 0 {
		fallbackIDs = []string{c.Sources()[0].ID}
	}
	for len(steps) < minSteps {
		steps = append(steps, Step{
			Step:      padStep,
			Rationale: "Evidence from retrieved sections.",
			SourceIDs: append([]string(nil), fallbackIDs...),
		})
	}

	return Intermediate{
		SummarySteps:       steps,
		EvidenceBullets:    bullets,
		ClarifyingQuestion: ClarifyingQuestion(query),
		ConfidenceLevel:    LevelFor(confidence),
		ConfidenceReason: fmt.Sprintf("Derived from retrieval max_score=%s (confidence=%.2f).",
			strconv.FormatFloat(maxScore, 'g', -1, 64), confidence),
	}
}

// summarize groups bullets by leading verb and emits up to five steps in
// groupOrder, each citing every bullet in its group.
func summarize(bullets []Bullet) []Step {
	groups := map[string][]Bullet{}
	for _, b := range bullets {
		text := strings.TrimSpace(b.Text)
		sid := strings.TrimSpace(b.SourceID)
		if text == "" || sid == NoSource {
			continue
		}
		key := LeadingVerb(text)
		groups[key] = append(groups[key], Bullet{Text: text, SourceID: sid})
	}

	var steps []Step
	for _, key := range groupOrder {
		items := groups[key]
		if len(items) == 0 {
			continue
		}
		raw := items[0].Text
		step := strings.TrimRight(truncate(raw, maxStepRunes), " \t")
		if runeLen(raw) > maxStepRunes {
			step += "..."
		}
		seen := map[string]bool{}
		ids := []string{}
		for _, it := range items {
			if !seen[it.SourceID] {
				seen[it.SourceID] = true
				ids = append(ids, it.SourceID)
			}
		}
		steps = append(steps, Step{Step: step, Rationale: ExtractRationale(raw), SourceIDs: ids})
		if len(steps) >= maxSteps {
			break
		}
	}
	return steps
}

// ClarifyingQuestion asks for details when the request signals trouble but
// carries no explicit error text.
func ClarifyingQuestion(query string) string {
	q := strings.ToLower(query)
	needsDetails := false
	for _, p := range troublePhrases {
		if strings.Contains(q, p) {
			needsDetails = true
			break
		}
	}
	hasError := strings.Contains(q, "error:") ||
		strings.Contains(q, "authentication failed") ||
		strings.Contains(q, `stuck at "connecting"`) ||
		strings.Contains(q, "stuck at 'connecting'")
	if needsDetails && !hasError {
		return clarifyDetails
	}
	return ""
}

// #endregion deterministic
