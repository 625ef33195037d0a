package vindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

// MaxNeighbors caps how many neighbors one query may return.
const MaxNeighbors = 200

// ErrEmptyPool is returned when asked to index zero passages.
var ErrEmptyPool = errors.New("vector index requires at least one passage")

// #region embedder
// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// #endregion embedder

// #region config
// Config controls where caches live and how embedding is batched.
type Config struct {
	Dir       string
	Model     string
	BatchSize int
	Parallel  int
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{
		Dir:       ".cache/vector",
		Model:     "all-MiniLM-L6-v2",
		BatchSize: 32,
		Parallel:  4,
	}
}

// #endregion config

// #region info
// Info is persisted next to the vectors and must match before a cache is trusted.
type Info struct {
	ModelName   string `json:"model_name"`
	BuiltAt     string `json:"built_at"`
	NumSections int    `json:"num_sections"`
	Fingerprint string `json:"fingerprint"`
	TierKey     string `json:"tier_key"`
	Dim         int    `json:"dim"`
}

// #endregion info

// #region cache
// Cache builds or loads scope-keyed vector indexes on disk.
type Cache struct {
	config   Config
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewCache creates a Cache backed by config.Dir.
func NewCache(config Config, embedder Embedder) *Cache {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Parallel <= 0 {
		config.Parallel = 1
	}
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	return &Cache{config: config, embedder: embedder, logger: logging.New("vindex"), now: time.Now}
}

func (c *Cache) paths(s Scope) (vec, meta, info string) {
	stem := s.Stem()
	return filepath.Join(c.config.Dir, "vector_index__"+stem+".vec"),
		filepath.Join(c.config.Dir, "vector_meta__"+stem+".json"),
		filepath.Join(c.config.Dir, "vector_info__"+stem+".json")
}

// BuildOrLoad returns an index over passages. A cached entry is used only
// when its scope, model, count and fingerprint all match; otherwise every
// passage is embedded and the entry is republished.
func (c *Cache) BuildOrLoad(ctx context.Context, passages []kb.Passage, rebuild bool) (*Index, error) {
	if len(passages) == 0 {
		return nil, ErrEmptyPool
	}
	scope := ScopeFor(passages, c.config.Model)
	fp := Fingerprint(passages)

	if !rebuild {
		idx, err := c.load(scope, fp)
		if err == nil {
			c.logger.Debug("vector cache hit", slog.String("scope", scope.Stem()))
			return idx, nil
		}
		c.logger.Debug("vector cache miss", slog.String("scope", scope.Stem()), slog.String("reason", err.Error()))
	}

	vectors, err := c.embedAll(ctx, passages)
	if err != nil {
		return nil, fmt.Errorf("embed passages: %w", err)
	}
	info := Info{
		ModelName:   c.config.Model,
		BuiltAt:     c.now().UTC().Format(time.RFC3339),
		NumSections: len(passages),
		Fingerprint: fp,
		TierKey:     scope.TierKey,
		Dim:         len(vectors[0]),
	}
	if err := c.publish(scope, passages, vectors, info); err != nil {
		return nil, fmt.Errorf("publish index: %w", err)
	}
	c.logger.Info("vector index built", slog.String("scope", scope.Stem()), slog.Int("dim", info.Dim))
	return newIndex(vectors, info, c.embedder, false), nil
}

// #endregion cache

// #region load
func (c *Cache) load(scope Scope, fp string) (*Index, error) {
	vecPath, metaPath, infoPath := c.paths(scope)

	var info Info
	if err := readJSON(infoPath, &info); err != nil {
		return nil, err
	}
	if info.ModelName != c.config.Model || info.NumSections != scope.N || info.Fingerprint != fp {
		return nil, errors.New("stale info")
	}

	var meta []kb.Passage
	if err := readJSON(metaPath, &meta); err != nil {
		return nil, err
	}
	if len(meta) != scope.N {
		return nil, fmt.Errorf("meta count %d, want %d", len(meta), scope.N)
	}

	f, err := os.Open(vecPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	vectors, err := readVectors(f, st.Size(), scope.N, info.Dim)
	if err != nil {
		return nil, err
	}
	return newIndex(vectors, info, c.embedder, true), nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// #endregion load

// #region publish
// publish writes each file to a temp name in the cache dir and renames it
// into place. The info file goes last, so a reader that trusts it sees
// complete vectors and meta.
func (c *Cache) publish(scope Scope, passages []kb.Passage, vectors [][]float32, info Info) error {
	if err := os.MkdirAll(c.config.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir cache: %w", err)
	}
	vecPath, metaPath, infoPath := c.paths(scope)

	if err := atomicWrite(vecPath, func(f *os.File) error { return writeVectors(f, vectors) }); err != nil {
		return err
	}
	if err := atomicWrite(metaPath, func(f *os.File) error { return json.NewEncoder(f).Encode(passages) }); err != nil {
		return err
	}
	return atomicWrite(infoPath, func(f *os.File) error { return json.NewEncoder(f).Encode(info) })
}

func atomicWrite(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }

	if err := write(tmp); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// #endregion publish

// #region embed
// embedAll embeds passages in batches, up to config.Parallel at a time.
func (c *Cache) embedAll(ctx context.Context, passages []kb.Passage) ([][]float32, error) {
	if c.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text()
	}
	out := make([][]float32, len(texts))
	bs := c.config.BatchSize

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Parallel)
	for start := 0; start < len(texts); start += bs {
		start := start
		end := start + bs
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := c.embedder.Embed(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("batch %d: got %d vectors for %d texts", start/bs, len(vecs), end-start)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	dim := len(out[0])
	for i, v := range out {
		if len(v) != dim || dim == 0 {
			return nil, fmt.Errorf("vector %d has dim %d, want %d", i, len(v), dim)
		}
	}
	return out, nil
}

// #endregion embed

// #region index
// Index is a brute-force cosine nearest-neighbor index.
type Index struct {
	vectors   [][]float32
	info      Info
	embedder  Embedder
	maxK      int
	fromCache bool
}

func newIndex(vectors [][]float32, info Info, embedder Embedder, fromCache bool) *Index {
	k := len(vectors)
	if k > MaxNeighbors {
		k = MaxNeighbors
	}
	if k < 1 {
		k = 1
	}
	return &Index{vectors: vectors, info: info, embedder: embedder, maxK: k, fromCache: fromCache}
}

// Search embeds the query and returns up to k neighbors, nearest first.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]retrieval.Neighbor, error) {
	if ix.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	qs, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(qs))
	}
	return ix.SearchVector(qs[0], k), nil
}

// SearchVector returns up to k neighbors of q, nearest first, ties in index order.
func (ix *Index) SearchVector(q []float32, k int) []retrieval.Neighbor {
	if k > ix.maxK {
		k = ix.maxK
	}
	out := make([]retrieval.Neighbor, len(ix.vectors))
	for i, v := range ix.vectors {
		out[i] = retrieval.Neighbor{Index: i, Distance: retrieval.CosineDistance(q, v)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if k < len(out) {
		out = out[:k]
	}
	return out
}

// Info reports the model and size for retrieval debug output.
func (ix *Index) Info() retrieval.IndexInfo {
	return retrieval.IndexInfo{ModelName: ix.info.ModelName, NumSections: ix.info.NumSections}
}

// Meta returns the persisted build info.
func (ix *Index) Meta() Info { return ix.info }

// FromCache reports whether the index was loaded rather than built.
func (ix *Index) FromCache() bool { return ix.fromCache }

// Len returns the number of indexed passages.
func (ix *Index) Len() int { return len(ix.vectors) }

// #endregion index
