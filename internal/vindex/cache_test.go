package vindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

// #region mock
// hashEmbedder buckets words into a small dense vector.
type hashEmbedder struct {
	mu    sync.Mutex
	texts int
	err   error
}

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	h.mu.Lock()
	h.texts += len(texts)
	h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 16)
		for _, w := range strings.Fields(strings.ToLower(t)) {
			f := fnv.New32a()
			f.Write([]byte(w))
			v[f.Sum32()%16]++
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.texts
}

// #endregion mock

// #region fixtures
func corpus() []kb.Passage {
	return []kb.Passage{
		{DocPath: "docs/public/vpn.md", Tier: kb.TierPublic, Heading: "Reconnect VPN", Content: "disconnect and reconnect the vpn client", Anchor: "#reconnect-vpn"},
		{DocPath: "docs/public/mfa.md", Tier: kb.TierPublic, Heading: "Reset MFA", Content: "open the authenticator app", Anchor: "#reset-mfa"},
		{DocPath: "docs/restricted/iam.md", Tier: kb.TierRestricted, Heading: "Grant IAM role", Content: "grant the admin group", Anchor: "#grant-iam-role"},
	}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.BatchSize = 2
	cfg.Parallel = 2
	return cfg
}

// #endregion fixtures

// #region scope-tests
func TestScopeFor(t *testing.T) {
	s := ScopeFor(corpus(), "sentence-transformers/all MiniLM")
	want := Scope{TierKey: "public_restricted", Model: "sentence-transformers_all_MiniLM", N: 3}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("scope mismatch (-want +got):\n%s", diff)
	}
	if got := ScopeFor(nil, "").Stem(); got != "none__default__n0" {
		t.Errorf("unexpected empty stem %q", got)
	}
}

func TestFingerprint_ChangesOnEdit(t *testing.T) {
	a := corpus()
	b := corpus()
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint should be deterministic")
	}
	b[1].Content += "!"
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("fingerprint should change when content length changes")
	}
	c := corpus()
	c[0].Anchor = "#other"
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("fingerprint should change when an anchor changes")
	}
}

// #endregion scope-tests

// #region cache-tests
func TestBuildOrLoad_HitAfterBuild(t *testing.T) {
	emb := &hashEmbedder{}
	cache := NewCache(testConfig(t), emb)
	ctx := context.Background()

	first, err := cache.BuildOrLoad(ctx, corpus(), false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first.FromCache() {
		t.Error("first call should build")
	}
	if emb.count() != 3 {
		t.Errorf("expected 3 embedded texts, got %d", emb.count())
	}

	second, err := cache.BuildOrLoad(ctx, corpus(), false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !second.FromCache() {
		t.Error("second call should load from cache")
	}
	if emb.count() != 3 {
		t.Errorf("cache hit should not embed passages, embedded %d", emb.count())
	}
	if second.Meta().Fingerprint != first.Meta().Fingerprint {
		t.Error("fingerprints differ between build and load")
	}
}

func TestBuildOrLoad_RebuildFlag(t *testing.T) {
	emb := &hashEmbedder{}
	cache := NewCache(testConfig(t), emb)
	ctx := context.Background()
	if _, err := cache.BuildOrLoad(ctx, corpus(), false); err != nil {
		t.Fatalf("build: %v", err)
	}
	idx, err := cache.BuildOrLoad(ctx, corpus(), true)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if idx.FromCache() || emb.count() != 6 {
		t.Errorf("rebuild should re-embed, fromCache=%v embedded=%d", idx.FromCache(), emb.count())
	}
}

func TestBuildOrLoad_EditInvalidates(t *testing.T) {
	emb := &hashEmbedder{}
	cache := NewCache(testConfig(t), emb)
	ctx := context.Background()
	if _, err := cache.BuildOrLoad(ctx, corpus(), false); err != nil {
		t.Fatalf("build: %v", err)
	}
	edited := corpus()
	edited[0].Content = "restart the laptop first"
	idx, err := cache.BuildOrLoad(ctx, edited, false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if idx.FromCache() {
		t.Error("edited documents must not reuse the cache")
	}
}

func TestBuildOrLoad_ScopeIsolation(t *testing.T) {
	emb := &hashEmbedder{}
	cfg := testConfig(t)
	cache := NewCache(cfg, emb)
	ctx := context.Background()

	public := kb.Filter(corpus(), []kb.Tier{kb.TierPublic})
	all := corpus()

	if _, err := cache.BuildOrLoad(ctx, public, false); err != nil {
		t.Fatalf("build public: %v", err)
	}
	if _, err := cache.BuildOrLoad(ctx, all, false); err != nil {
		t.Fatalf("build all: %v", err)
	}

	infos, _ := filepath.Glob(filepath.Join(cfg.Dir, "vector_info__*.json"))
	if len(infos) != 2 {
		t.Fatalf("expected two cache entries, got %v", infos)
	}

	idx, err := cache.BuildOrLoad(ctx, public, false)
	if err != nil {
		t.Fatalf("load public: %v", err)
	}
	if !idx.FromCache() || idx.Len() != len(public) {
		t.Fatalf("expected cached public index of %d, got fromCache=%v len=%d", len(public), idx.FromCache(), idx.Len())
	}
	if idx.Meta().TierKey != "public" {
		t.Errorf("public index carries tier key %q", idx.Meta().TierKey)
	}

	_, metaPath, _ := cache.paths(ScopeFor(public, cfg.Model))
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if bytes.Contains(raw, []byte("restricted")) {
		t.Error("public cache entry references restricted passages")
	}
}

func TestBuildOrLoad_CountMismatchRebuilds(t *testing.T) {
	emb := &hashEmbedder{}
	cfg := testConfig(t)
	cache := NewCache(cfg, emb)
	ctx := context.Background()
	if _, err := cache.BuildOrLoad(ctx, corpus(), false); err != nil {
		t.Fatalf("build: %v", err)
	}
	vecPath, _, _ := cache.paths(ScopeFor(corpus(), cfg.Model))
	f, err := os.Create(vecPath)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := writeVectors(f, [][]float32{{1, 2}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	idx, err := cache.BuildOrLoad(ctx, corpus(), false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if idx.FromCache() {
		t.Error("vectors disagreeing with meta count must not be trusted")
	}
}

func TestBuildOrLoad_NoTempFilesLeft(t *testing.T) {
	cfg := testConfig(t)
	if _, err := NewCache(cfg, &hashEmbedder{}).BuildOrLoad(context.Background(), corpus(), false); err != nil {
		t.Fatalf("build: %v", err)
	}
	entries, _ := os.ReadDir(cfg.Dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 cache files, got %d", len(entries))
	}
}

func TestBuildOrLoad_Errors(t *testing.T) {
	cache := NewCache(testConfig(t), &hashEmbedder{})
	if _, err := cache.BuildOrLoad(context.Background(), nil, false); !errors.Is(err, ErrEmptyPool) {
		t.Errorf("expected ErrEmptyPool, got %v", err)
	}
	boom := errors.New("embedder down")
	cache = NewCache(testConfig(t), &hashEmbedder{err: boom})
	if _, err := cache.BuildOrLoad(context.Background(), corpus(), false); !errors.Is(err, boom) {
		t.Errorf("expected wrapped embedder error, got %v", err)
	}
}

// #endregion cache-tests

// #region search-tests
func TestSearch_NearestFirst(t *testing.T) {
	emb := &hashEmbedder{}
	idx, err := NewCache(testConfig(t), emb).BuildOrLoad(context.Background(), corpus(), false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	hits, err := idx.Search(context.Background(), corpus()[1].Text(), 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Index != 1 || hits[0].Distance > 1e-6 {
		t.Errorf("expected exact match first, got %+v", hits[0])
	}
	if hits[0].Distance > hits[1].Distance {
		t.Errorf("hits not ordered by distance: %+v", hits)
	}
}

func TestSearchVector_CapsAtPoolSize(t *testing.T) {
	idx := newIndex([][]float32{{1, 0}, {0, 1}}, Info{}, nil, false)
	hits := idx.SearchVector([]float32{1, 0}, 50)
	want := []retrieval.Neighbor{{Index: 0, Distance: 0}, {Index: 1, Distance: 1}}
	if diff := cmp.Diff(want, hits); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}
}

func TestVectorsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := [][]float32{{0.5, -1}, {2, 3.25}}
	if err := writeVectors(&buf, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	size := int64(buf.Len())
	out, err := readVectors(bytes.NewReader(buf.Bytes()), size, 2, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("vectors mismatch (-want +got):\n%s", diff)
	}
	if _, err := readVectors(strings.NewReader("NOPE"), 4, 0, 0); err == nil {
		t.Error("expected bad magic error")
	}
}

func TestReadVectors_ShapeChecks(t *testing.T) {
	var buf bytes.Buffer
	if err := writeVectors(&buf, [][]float32{{1, 2}, {3, 4}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := buf.Bytes()

	// header claims a huge count; nothing may be allocated for it
	forged := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(forged[8:], 1<<30)

	cases := []struct {
		name          string
		data          []byte
		size          int64
		want, wantDim int
	}{
		{"count differs from expected", data, int64(len(data)), 3, 2},
		{"dim differs from expected", data, int64(len(data)), 2, 3},
		{"forged count", forged, int64(len(forged)), 1 << 30, 2},
		{"truncated body", data[:len(data)-4], int64(len(data) - 4), 2, 2},
	}
	for _, tc := range cases {
		_, err := readVectors(bytes.NewReader(tc.data), tc.size, tc.want, tc.wantDim)
		if !errors.Is(err, errShape) {
			t.Errorf("%s: err = %v, want shape mismatch", tc.name, err)
		}
	}
}

// #endregion search-tests
