package retrieval

import (
	"context"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

// #region strategy
// Strategy selects a ranking variant.
type Strategy string

const (
	StrategyKeyword Strategy = "keyword"
	StrategyVector  Strategy = "vector"
	StrategyHybrid  Strategy = "hybrid"
)

// NeedsIndex reports whether the strategy ranks against a vector index.
func (s Strategy) NeedsIndex() bool {
	return s == StrategyVector || s == StrategyHybrid
}

// #endregion strategy

// #region config
// Config holds ranking parameters for one retrieval.
type Config struct {
	Strategy    Strategy
	TopK        int     // passages returned
	CandidateK  int     // nearest neighbors pulled for vector and hybrid
	Alpha       float64 // keyword weight in hybrid fusion
	Bias        bool    // troubleshooting intent bias
	ConfidenceK float64 // saturation constant for confidence
}

// DefaultConfig returns the standard keyword configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:    StrategyKeyword,
		TopK:        3,
		CandidateK:  30,
		Alpha:       0.7,
		Bias:        true,
		ConfidenceK: 8.0,
	}
}

// #endregion config

// #region candidate
// Candidate is a passage with its component and final scores.
type Candidate struct {
	Passage      kb.Passage
	KeywordScore float64
	KeywordNorm  float64
	VectorScore  float64
	Score        float64 // final sort key, bias included
}

// #endregion candidate

// #region vector-index
// Neighbor is one nearest-neighbor hit: the passage position in the
// indexed pool and its cosine distance to the query.
type Neighbor struct {
	Index    int
	Distance float64
}

// IndexInfo describes the index a ranking ran against.
type IndexInfo struct {
	ModelName   string `json:"model_name"`
	NumSections int    `json:"num_sections"`
}

// VectorIndex answers nearest-neighbor queries over the passage pool it was
// built from. Neighbor.Index refers to that pool's order.
type VectorIndex interface {
	Search(ctx context.Context, query string, k int) ([]Neighbor, error)
	Info() IndexInfo
}

// #endregion vector-index

// #region result
// Debug reports how a ranking was produced.
type Debug struct {
	RetrieverType    Strategy   `json:"retriever_type"`
	CandidateK       int        `json:"candidate_k"`
	VectorIndexInfo  *IndexInfo `json:"vector_index_info"`
	HybridAlpha      float64    `json:"hybrid_alpha"`
	TroubleshootBias bool       `json:"troubleshoot_bias"`
	IntentDetected   *bool      `json:"troubleshoot_intent_detected"`
}

// Result is the ranked top-K with its confidence.
type Result struct {
	Ranked     []Candidate
	MaxScore   float64
	Confidence float64
	Debug      Debug
}

// Passages returns the ranked passages in order.
func (r Result) Passages() []kb.Passage {
	out := make([]kb.Passage, len(r.Ranked))
	for i, c := range r.Ranked {
		out[i] = c.Passage
	}
	return out
}

// #endregion result

// #region scored
// Scored is the reporting form of a ranked candidate.
type Scored struct {
	Doc          string  `json:"doc"`
	Section      string  `json:"section"`
	Tier         kb.Tier `json:"tier"`
	Score        float64 `json:"score"`
	KeywordScore float64 `json:"keyword_score"`
	KeywordNorm  float64 `json:"keyword_norm"`
	VectorScore  float64 `json:"vector_score"`
}

// Scored lists the ranked candidates with their component scores.
func (r Result) Scored() []Scored {
	out := make([]Scored, 0, len(r.Ranked))
	for _, c := range r.Ranked {
		out = append(out, Scored{
			Doc:          c.Passage.DocPath,
			Section:      c.Passage.Heading,
			Tier:         c.Passage.Tier,
			Score:        c.Score,
			KeywordScore: c.KeywordScore,
			KeywordNorm:  c.KeywordNorm,
			VectorScore:  c.VectorScore,
		})
	}
	return out
}

// #endregion scored
