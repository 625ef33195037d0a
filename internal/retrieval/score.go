package retrieval

import (
	"math"
	"regexp"
	"strings"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

const (
	// HeadingBonus is added per query-token weight when the token appears in
	// the heading or filename.
	HeadingBonus = 0.5
	// ConfidenceFloor is reported when the best candidate scored exactly zero
	// or the pool is empty.
	ConfidenceFloor = 0.25
	// fusionEpsilon keeps keyword normalization finite on an all-zero pool.
	fusionEpsilon = 1e-9
)

var (
	markupRe = regexp.MustCompile("[*_`#\\[\\]()]")
	wordRe   = regexp.MustCompile(`\w+`)
)

// #region tokenize
// Tokenize lowercases text, drops markdown markup and splits on word boundaries.
func Tokenize(text string) []string {
	clean := markupRe.ReplaceAllString(text, " ")
	words := wordRe.FindAllString(clean, -1)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return words
}

func termCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

// #endregion tokenize

// #region keyword-score
// KeywordScore is term-frequency overlap between query tokens and the
// passage text, plus HeadingBonus per query token found in the heading or
// filename. The bonus counts each distinct token once, whatever its
// frequency in the heading.
func KeywordScore(p kb.Passage, queryTokens []string) float64 {
	query := termCounts(queryTokens)
	body := termCounts(Tokenize(p.Text()))
	head := termCounts(Tokenize(p.HeadText()))

	var score float64
	for tok, w := range query {
		score += float64(w * body[tok])
		if head[tok] > 0 {
			score += HeadingBonus * float64(w)
		}
	}
	return score
}

// #endregion keyword-score

// #region vector-score
// VectorScore converts a cosine distance to a similarity in [0,1].
func VectorScore(distance float64) float64 {
	s := 1.0 - distance
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are maximally distant.
func CosineDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// #endregion vector-score

// #region fusion
// Fuse combines a normalized keyword score and a vector score.
func Fuse(alpha, keywordNorm, vectorScore float64) float64 {
	return alpha*keywordNorm + (1-alpha)*vectorScore
}

// #endregion fusion

// #region confidence
// Confidence maps the best score onto [0,1) as max/(max+k). A best score of
// exactly zero reports ConfidenceFloor; a negative one, reachable only
// through the intent bias, reports 0.
func Confidence(maxScore, k float64) float64 {
	switch {
	case maxScore < 0:
		return 0
	case maxScore == 0:
		return ConfidenceFloor
	}
	return maxScore / (maxScore + k)
}

// #endregion confidence
