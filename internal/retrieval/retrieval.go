package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
)

var (
	// ErrNoVectorIndex is returned when a vector or hybrid ranking is asked
	// for without an index.
	ErrNoVectorIndex = errors.New("vector index required")
	// ErrUnknownStrategy is returned for strategies other than keyword, vector and hybrid.
	ErrUnknownStrategy = errors.New("unknown retrieval strategy")
)

// #region ranker
// Ranker orders an ACL-filtered pool for a query and returns at most top-K
// candidates. The pool is never widened.
type Ranker interface {
	Rank(ctx context.Context, query string, pool []kb.Passage) ([]Candidate, error)
}

// KeywordRanker scores every passage by term overlap.
type KeywordRanker struct {
	TopK int
	Bias bool
}

// Rank scores, biases and sorts the whole pool. When every selected
// candidate scored zero and more passages exist, the selection becomes one
// passage per document in pool order.
func (k KeywordRanker) Rank(_ context.Context, query string, pool []kb.Passage) ([]Candidate, error) {
	tokens := Tokenize(query)
	biased := k.Bias && HasTroubleIntent(query)

	scored := make([]Candidate, len(pool))
	for i, p := range pool {
		s := KeywordScore(p, tokens)
		scored[i] = Candidate{Passage: p, KeywordScore: s, Score: s}
		if biased {
			scored[i].Score += IntentBias(p)
		}
	}
	sortCandidates(scored)
	top := head(scored, k.TopK)

	if allZero(top) && len(scored) > k.TopK {
		if fb := diversityFallback(pool, tokens, biased, k.TopK); len(fb) > 0 {
			top = fb
		}
	}
	return top, nil
}

// VectorRanker ranks the nearest neighbors by similarity.
type VectorRanker struct {
	Index      VectorIndex
	CandidateK int
	TopK       int
}

// Rank pulls CandidateK neighbors and keeps the best TopK.
func (v VectorRanker) Rank(ctx context.Context, query string, pool []kb.Passage) ([]Candidate, error) {
	if v.Index == nil {
		return nil, ErrNoVectorIndex
	}
	neighbors, err := searchPool(ctx, v.Index, query, v.CandidateK, len(pool))
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(neighbors))
	for i, n := range neighbors {
		vs := VectorScore(n.Distance)
		out[i] = Candidate{Passage: pool[n.Index], VectorScore: vs, Score: vs}
	}
	sortCandidates(out)
	return head(out, v.TopK), nil
}

// HybridRanker fuses keyword and vector scores over the neighbor pool.
type HybridRanker struct {
	Index      VectorIndex
	CandidateK int
	TopK       int
	Alpha      float64
	Bias       bool
}

// Rank normalizes keyword scores against the best keyword score among the
// neighbors only, fuses with vector similarity, applies intent bias and sorts.
func (h HybridRanker) Rank(ctx context.Context, query string, pool []kb.Passage) ([]Candidate, error) {
	if h.Index == nil {
		return nil, ErrNoVectorIndex
	}
	neighbors, err := searchPool(ctx, h.Index, query, h.CandidateK, len(pool))
	if err != nil {
		return nil, err
	}
	tokens := Tokenize(query)
	biased := h.Bias && HasTroubleIntent(query)

	out := make([]Candidate, len(neighbors))
	var kwMax float64
	for i, n := range neighbors {
		p := pool[n.Index]
		kw := KeywordScore(p, tokens)
		if kw > kwMax {
			kwMax = kw
		}
		out[i] = Candidate{Passage: p, KeywordScore: kw, VectorScore: VectorScore(n.Distance)}
	}
	for i := range out {
		out[i].KeywordNorm = out[i].KeywordScore / (kwMax + fusionEpsilon)
		out[i].Score = Fuse(h.Alpha, out[i].KeywordNorm, out[i].VectorScore)
		if biased {
			out[i].Score += IntentBias(out[i].Passage)
		}
	}
	sortCandidates(out)
	return head(out, h.TopK), nil
}

// #endregion ranker

// #region retriever
// Retriever selects a Ranker from its config and reports confidence.
type Retriever struct {
	config Config
	index  VectorIndex
	logger *slog.Logger
}

// NewRetriever creates a Retriever. index may be nil for keyword ranking.
func NewRetriever(config Config, index VectorIndex) *Retriever {
	return &Retriever{config: config, index: index, logger: logging.New("retrieval")}
}

// Ranker returns the ranking variant for the configured strategy.
func (r *Retriever) Ranker() (Ranker, error) {
	c := r.config
	switch c.Strategy {
	case StrategyKeyword, "":
		return KeywordRanker{TopK: c.TopK, Bias: c.Bias}, nil
	case StrategyVector:
		if r.index == nil {
			return nil, fmt.Errorf("%s strategy: %w", c.Strategy, ErrNoVectorIndex)
		}
		return VectorRanker{Index: r.index, CandidateK: c.CandidateK, TopK: c.TopK}, nil
	case StrategyHybrid:
		if r.index == nil {
			return nil, fmt.Errorf("%s strategy: %w", c.Strategy, ErrNoVectorIndex)
		}
		return HybridRanker{Index: r.index, CandidateK: c.CandidateK, TopK: c.TopK, Alpha: c.Alpha, Bias: c.Bias}, nil
	default:
		return nil, fmt.Errorf("%q: %w", c.Strategy, ErrUnknownStrategy)
	}
}

// Retrieve ranks an already ACL-filtered pool. An empty pool yields an
// empty result at ConfidenceFloor without consulting any index.
func (r *Retriever) Retrieve(ctx context.Context, query string, pool []kb.Passage) (Result, error) {
	strategy := r.config.Strategy
	if strategy == "" {
		strategy = StrategyKeyword
	}
	res := Result{Debug: Debug{
		RetrieverType:    strategy,
		CandidateK:       r.config.CandidateK,
		HybridAlpha:      r.config.Alpha,
		TroubleshootBias: r.config.Bias,
	}}
	if r.config.Bias {
		intent := HasTroubleIntent(query)
		res.Debug.IntentDetected = &intent
	}
	if r.index != nil && strategy.NeedsIndex() {
		info := r.index.Info()
		res.Debug.VectorIndexInfo = &info
	}

	if len(pool) == 0 {
		res.Confidence = ConfidenceFloor
		return res, nil
	}

	ranker, err := r.Ranker()
	if err != nil {
		return res, err
	}
	ranked, err := ranker.Rank(ctx, query, pool)
	if err != nil {
		return res, fmt.Errorf("rank %s: %w", strategy, err)
	}

	res.Ranked = ranked
	for i, c := range ranked {
		if i == 0 || c.Score > res.MaxScore {
			res.MaxScore = c.Score
		}
	}
	k := r.config.ConfidenceK
	if k <= 0 {
		k = DefaultConfig().ConfidenceK
	}
	res.Confidence = Confidence(res.MaxScore, k)

	r.logger.Debug("retrieved",
		slog.String("strategy", string(strategy)),
		slog.Int("pool", len(pool)),
		slog.Int("ranked", len(ranked)),
		slog.Float64("max_score", res.MaxScore),
	)
	return res, nil
}

// #endregion retriever

// #region helpers
// sortCandidates orders by score, then vector score, keeping pool order on ties.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].VectorScore > cs[j].VectorScore
	})
}

func head(cs []Candidate, k int) []Candidate {
	if k < 0 {
		k = 0
	}
	if len(cs) > k {
		return cs[:k]
	}
	return cs
}

func allZero(cs []Candidate) bool {
	for _, c := range cs {
		if c.Score != 0 {
			return false
		}
	}
	return true
}

func diversityFallback(pool []kb.Passage, tokens []string, biased bool, k int) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	for _, p := range pool {
		if len(out) >= k {
			break
		}
		if seen[p.DocPath] {
			continue
		}
		seen[p.DocPath] = true
		s := KeywordScore(p, tokens)
		c := Candidate{Passage: p, KeywordScore: s, Score: s}
		if biased {
			c.Score += IntentBias(p)
		}
		out = append(out, c)
	}
	return out
}

// searchPool queries the index and drops hits that fall outside the pool or
// repeat an earlier hit.
func searchPool(ctx context.Context, idx VectorIndex, query string, k, poolSize int) ([]Neighbor, error) {
	if k > poolSize {
		k = poolSize
	}
	hits, err := idx.Search(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	seen := make(map[int]bool, len(hits))
	valid := hits[:0]
	for _, h := range hits {
		if h.Index < 0 || h.Index >= poolSize || seen[h.Index] {
			continue
		}
		seen[h.Index] = true
		valid = append(valid, h)
	}
	return valid, nil
}

// #endregion helpers
