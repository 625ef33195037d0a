package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
)

// #region mock
type fakeIndex struct {
	distances []float64
	err       error
	calls     int
}

func (f *fakeIndex) Search(_ context.Context, _ string, k int) ([]Neighbor, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ns := make([]Neighbor, len(f.distances))
	for i, d := range f.distances {
		ns[i] = Neighbor{Index: i, Distance: d}
	}
	sort.SliceStable(ns, func(i, j int) bool { return ns[i].Distance < ns[j].Distance })
	if k < len(ns) {
		ns = ns[:k]
	}
	return ns, nil
}

func (f *fakeIndex) Info() IndexInfo {
	return IndexInfo{ModelName: "fake", NumSections: len(f.distances)}
}

// #endregion mock

// #region fixtures
func vpnPool() []kb.Passage {
	return []kb.Passage{
		{DocPath: "docs/public/overview.md", Tier: kb.TierPublic, Heading: "Overview", Content: "general info about printers", Anchor: "#overview"},
		{DocPath: "docs/internal/vpn.md", Tier: kb.TierInternal, Heading: "Reset VPN", Content: "reset the vpn client then reconnect vpn", Anchor: "#reset-vpn"},
		{DocPath: "docs/public/printer.md", Tier: kb.TierPublic, Heading: "Printer", Content: "printer toner", Anchor: "#printer"},
	}
}

func rankOf(cs []Candidate, heading string) int {
	for i, c := range cs {
		if c.Passage.Heading == heading {
			return i
		}
	}
	return -1
}

// #endregion fixtures

// #region scoring-tests
func TestKeywordScore_HeadingBonusOncePerToken(t *testing.T) {
	p := kb.Passage{DocPath: "x.md", Heading: "vpn vpn vpn"}
	if got := KeywordScore(p, []string{"vpn"}); got != 3.5 {
		t.Errorf("expected 3.5, got %v", got)
	}
	if got := KeywordScore(p, []string{"vpn", "vpn"}); got != 7 {
		t.Errorf("expected query weight to scale both terms to 7, got %v", got)
	}
}

func TestTokenize_StripsMarkup(t *testing.T) {
	got := Tokenize("**Reset** the `VPN_client` (now)")
	want := []string{"reset", "the", "vpn", "client", "now"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestVectorScore_Clamped(t *testing.T) {
	if got := VectorScore(1.4); got != 0 {
		t.Errorf("expected 0 for distance past 1, got %v", got)
	}
	if got := VectorScore(0.25); got != 0.75 {
		t.Errorf("expected 0.75, got %v", got)
	}
}

func TestCosineDistance(t *testing.T) {
	if d := CosineDistance([]float32{1, 0}, []float32{1, 0}); math.Abs(d) > 1e-9 {
		t.Errorf("identical vectors should have distance 0, got %v", d)
	}
	if d := CosineDistance([]float32{1, 0}, []float32{0, 1}); math.Abs(d-1) > 1e-9 {
		t.Errorf("orthogonal vectors should have distance 1, got %v", d)
	}
	if d := CosineDistance([]float32{0, 0}, []float32{0, 1}); d != 1 {
		t.Errorf("zero vector should be distance 1, got %v", d)
	}
}

func TestConfidence(t *testing.T) {
	if got := Confidence(0, 8); got != ConfidenceFloor {
		t.Errorf("expected floor for zero max, got %v", got)
	}
	if got := Confidence(-0.1, 8); got != 0 {
		t.Errorf("expected 0 for negative max, got %v", got)
	}
	if got := Confidence(8, 8); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
}

// #endregion scoring-tests

// #region keyword-tests
func TestKeyword_RecallOrdering(t *testing.T) {
	r := NewRetriever(DefaultConfig(), nil)
	res, err := r.Retrieve(context.Background(), "vpn reset", vpnPool())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Ranked) != 3 {
		t.Fatalf("expected 3 ranked, got %d", len(res.Ranked))
	}
	if res.Ranked[0].Passage.Heading != "Reset VPN" {
		t.Errorf("expected full-overlap passage first, got %q", res.Ranked[0].Passage.Heading)
	}
	if res.MaxScore != 7 {
		t.Errorf("expected max score 7, got %v", res.MaxScore)
	}
	if want := 7.0 / 15.0; math.Abs(res.Confidence-want) > 1e-12 {
		t.Errorf("expected confidence %v, got %v", want, res.Confidence)
	}
}

func TestKeyword_DiversityFallback(t *testing.T) {
	pool := []kb.Passage{
		{DocPath: "a.md", Heading: "A1", Content: "alpha"},
		{DocPath: "a.md", Heading: "A2", Content: "alpha"},
		{DocPath: "b.md", Heading: "B1", Content: "beta"},
		{DocPath: "b.md", Heading: "B2", Content: "beta"},
	}
	cfg := DefaultConfig()
	cfg.TopK = 2
	res, err := NewRetriever(cfg, nil).Retrieve(context.Background(), "zzz", pool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Ranked) != 2 {
		t.Fatalf("expected 2, got %d", len(res.Ranked))
	}
	if res.Ranked[0].Passage.Heading != "A1" || res.Ranked[1].Passage.Heading != "B1" {
		t.Errorf("expected one passage per document, got %q, %q", res.Ranked[0].Passage.Heading, res.Ranked[1].Passage.Heading)
	}
	if res.Confidence != ConfidenceFloor {
		t.Errorf("expected floor confidence, got %v", res.Confidence)
	}
}

func TestKeyword_NoFallbackWhenPoolFits(t *testing.T) {
	pool := []kb.Passage{
		{DocPath: "a.md", Heading: "A1", Content: "alpha"},
		{DocPath: "a.md", Heading: "A2", Content: "alpha"},
	}
	cfg := DefaultConfig()
	cfg.TopK = 2
	res, _ := NewRetriever(cfg, nil).Retrieve(context.Background(), "zzz", pool)
	if len(res.Ranked) != 2 || res.Ranked[1].Passage.Heading != "A2" {
		t.Errorf("expected both passages of a.md, got %+v", res.Ranked)
	}
}

func TestKeyword_IntentBias(t *testing.T) {
	pool := []kb.Passage{
		{DocPath: "vpn.md", Heading: "VPN Overview", Content: "vpn client"},
		{DocPath: "vpn.md", Heading: "Verify VPN", Content: "vpn client"},
	}
	cfg := DefaultConfig()
	res, _ := NewRetriever(cfg, nil).Retrieve(context.Background(), "vpn not working", pool)
	if res.Ranked[0].Passage.Heading != "Verify VPN" {
		t.Errorf("expected troubleshooting heading first, got %q", res.Ranked[0].Passage.Heading)
	}
	if math.Abs(res.Ranked[0].Score-3.65) > 1e-9 || math.Abs(res.Ranked[1].Score-3.4) > 1e-9 {
		t.Errorf("unexpected biased scores %v, %v", res.Ranked[0].Score, res.Ranked[1].Score)
	}
	if res.Debug.IntentDetected == nil || !*res.Debug.IntentDetected {
		t.Errorf("expected intent detected in debug")
	}

	cfg.Bias = false
	res, _ = NewRetriever(cfg, nil).Retrieve(context.Background(), "vpn not working", pool)
	if res.Ranked[0].Passage.Heading != "VPN Overview" {
		t.Errorf("without bias ties keep pool order, got %q", res.Ranked[0].Passage.Heading)
	}
	if res.Debug.IntentDetected != nil {
		t.Errorf("intent should be omitted when bias is off")
	}
}

// #endregion keyword-tests

// #region vector-tests
func TestVector_RequiresIndex(t *testing.T) {
	cfg := DefaultConfig()
	for _, s := range []Strategy{StrategyVector, StrategyHybrid} {
		cfg.Strategy = s
		_, err := NewRetriever(cfg, nil).Retrieve(context.Background(), "vpn", vpnPool())
		if !errors.Is(err, ErrNoVectorIndex) {
			t.Errorf("%s: expected ErrNoVectorIndex, got %v", s, err)
		}
	}
}

func TestUnknownStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = "bm25"
	_, err := NewRetriever(cfg, nil).Retrieve(context.Background(), "vpn", vpnPool())
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestVector_RanksBySimilarity(t *testing.T) {
	idx := &fakeIndex{distances: []float64{0.1, 0.6, 0.3}}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyVector
	cfg.TopK = 2
	res, err := NewRetriever(cfg, idx).Retrieve(context.Background(), "vpn reset", vpnPool())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Ranked) != 2 || res.Ranked[0].Passage.Heading != "Overview" || res.Ranked[1].Passage.Heading != "Printer" {
		t.Errorf("unexpected vector ranking: %+v", res.Ranked)
	}
	if res.Debug.VectorIndexInfo == nil || res.Debug.VectorIndexInfo.ModelName != "fake" {
		t.Errorf("expected index info in debug")
	}
}

func TestVector_SearchError(t *testing.T) {
	idx := &fakeIndex{err: errors.New("embed down")}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyHybrid
	_, err := NewRetriever(cfg, idx).Retrieve(context.Background(), "vpn", vpnPool())
	if !errors.Is(err, idx.err) {
		t.Errorf("expected wrapped search error, got %v", err)
	}
}

func TestHybrid_FusionMonotonicity(t *testing.T) {
	pool := vpnPool()
	idx := &fakeIndex{distances: []float64{0.1, 0.6, 0.3}}
	rank := func(alpha float64) []Candidate {
		cfg := DefaultConfig()
		cfg.Strategy = StrategyHybrid
		cfg.Alpha = alpha
		res, err := NewRetriever(cfg, idx).Retrieve(context.Background(), "vpn reset", pool)
		if err != nil {
			t.Fatalf("alpha %v: %v", alpha, err)
		}
		return res.Ranked
	}
	pureVector := rank(0)
	pureKeyword := rank(1)
	if rankOf(pureKeyword, "Reset VPN") > rankOf(pureVector, "Reset VPN") {
		t.Errorf("keyword-best passage dropped when alpha rose: vector rank %d, keyword rank %d",
			rankOf(pureVector, "Reset VPN"), rankOf(pureKeyword, "Reset VPN"))
	}
	if rankOf(pureKeyword, "Reset VPN") != 0 {
		t.Errorf("expected keyword-best first at alpha=1")
	}
	if pureKeyword[1].Passage.Heading != "Overview" {
		t.Errorf("zero-score tie should break on vector score, got %q", pureKeyword[1].Passage.Heading)
	}
	if n := pureKeyword[0].KeywordNorm; n < 0.999 || n > 1 {
		t.Errorf("expected normalized keyword near 1, got %v", n)
	}
}

func TestHybrid_DropsOutOfPoolHits(t *testing.T) {
	idx := &fakeIndex{distances: []float64{0.1, 0.2, 0.3, 0.05}}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyHybrid
	pool := vpnPool()
	res, err := NewRetriever(cfg, idx).Retrieve(context.Background(), "vpn", pool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range res.Ranked {
		if c.Passage.Heading == "" {
			t.Errorf("hit outside pool leaked into result")
		}
	}
}

// #endregion vector-tests

// #region acl-tests
func TestTierIsolation(t *testing.T) {
	var corpus []kb.Passage
	for _, tier := range kb.Tiers {
		for _, doc := range []string{"vpn", "mfa", "access"} {
			corpus = append(corpus, kb.Passage{
				DocPath: "docs/" + string(tier) + "/" + doc + ".md",
				Tier:    tier,
				Heading: "Verify " + doc,
				Content: "verify the " + doc + " settings and retry",
			})
		}
	}
	scopes := [][]kb.Tier{
		{kb.TierPublic},
		{kb.TierPublic, kb.TierInternal},
		{kb.TierPublic, kb.TierInternal, kb.TierRestricted},
		{kb.TierRestricted},
		nil,
	}
	for _, allowed := range scopes {
		pool := kb.Filter(corpus, allowed)
		ok := make(map[kb.Tier]bool)
		for _, tier := range allowed {
			ok[tier] = true
		}
		for _, s := range []Strategy{StrategyKeyword, StrategyVector, StrategyHybrid} {
			cfg := DefaultConfig()
			cfg.Strategy = s
			cfg.TopK = len(corpus)
			dist := make([]float64, len(pool))
			for i := range dist {
				dist[i] = float64(i) / 10
			}
			res, err := NewRetriever(cfg, &fakeIndex{distances: dist}).Retrieve(context.Background(), "verify vpn", pool)
			if err != nil {
				t.Fatalf("%v %s: %v", allowed, s, err)
			}
			for _, c := range res.Ranked {
				if !ok[c.Passage.Tier] {
					t.Errorf("%v %s: tier %s leaked", allowed, s, c.Passage.Tier)
				}
			}
		}
	}
}

func TestKeyword_NegativeBiasZeroConfidence(t *testing.T) {
	pool := []kb.Passage{{DocPath: "intro.md", Heading: "Overview", Content: "general information"}}
	res, err := NewRetriever(DefaultConfig(), nil).Retrieve(context.Background(), "printer not working", pool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Ranked) != 1 || res.MaxScore >= 0 {
		t.Fatalf("expected one negatively biased candidate, got %d max %v", len(res.Ranked), res.MaxScore)
	}
	if res.Confidence != 0 {
		t.Errorf("expected zero confidence, got %v", res.Confidence)
	}
}

func TestEmptyPool(t *testing.T) {
	idx := &fakeIndex{}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyHybrid
	res, err := NewRetriever(cfg, idx).Retrieve(context.Background(), "cannot connect", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Ranked) != 0 || res.Confidence != ConfidenceFloor {
		t.Errorf("expected empty result at floor, got %d ranked conf %v", len(res.Ranked), res.Confidence)
	}
	if idx.calls != 0 {
		t.Errorf("index should not be searched for an empty pool")
	}
}

// #endregion acl-tests
