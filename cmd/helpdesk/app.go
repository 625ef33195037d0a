package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/approval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/audit"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/codec"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/config"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/directory"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/llm"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/pipeline"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/telemetry"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/tracker"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/vindex"
)

// #region run-flags
// runFlags are shared by every command that runs the ask stage.
var runFlags struct {
	retriever       string
	topK            int
	candidateK      int
	alpha           float64
	noBias          bool
	llmIntermediate bool
	llmPropose      bool
	rebuildIndex    bool
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&runFlags.retriever, "retriever", "", "Retrieval strategy: keyword, vector or hybrid")
	f.IntVar(&runFlags.topK, "top-k", 0, "Passages to keep")
	f.IntVar(&runFlags.candidateK, "candidate-k", 0, "Nearest neighbours fetched for vector and hybrid")
	f.Float64Var(&runFlags.alpha, "alpha", 0, "Keyword weight in hybrid fusion, within [0, 1]")
	f.BoolVar(&runFlags.noBias, "no-bias", false, "Disable the troubleshooting intent bias")
	f.BoolVar(&runFlags.llmIntermediate, "llm-intermediate", false, "Ask the LLM for the evidence summary (validated, with fallback)")
	f.BoolVar(&runFlags.llmPropose, "llm-propose", false, "Ask the LLM to phrase the comment summary (guarded)")
	f.BoolVar(&runFlags.rebuildIndex, "rebuild-index", false, "Rebuild the vector index even when the cache is valid")
}

// applyRunFlags copies changed flags onto c and revalidates it.
func applyRunFlags(cmd *cobra.Command, c *config.Config) (pipeline.Options, error) {
	f := cmd.Flags()
	if f.Changed("retriever") {
		c.Retrieval.Strategy = runFlags.retriever
	}
	if f.Changed("top-k") {
		c.Retrieval.TopK = runFlags.topK
	}
	if f.Changed("candidate-k") {
		c.Retrieval.CandidateK = runFlags.candidateK
	}
	if f.Changed("alpha") {
		c.Retrieval.Alpha = runFlags.alpha
	}
	if f.Changed("no-bias") {
		c.Retrieval.Bias = !runFlags.noBias
	}
	if f.Changed("llm-intermediate") {
		c.LLM.Intermediate = runFlags.llmIntermediate
	}
	if f.Changed("llm-propose") {
		c.LLM.Proposal = runFlags.llmPropose
	}
	if f.Changed("rebuild-index") {
		c.Vector.Rebuild = runFlags.rebuildIndex
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return pipeline.Options{}, err
	}
	return defaultOptions(c), nil
}

func defaultOptions(c *config.Config) pipeline.Options {
	return pipeline.Options{
		LLMIntermediate: c.LLM.Intermediate,
		LLMPropose:      c.LLM.Proposal,
		RebuildIndex:    c.Vector.Rebuild,
	}
}

// #endregion run-flags

// #region app
// app holds the wired collaborators of one invocation.
type app struct {
	deps     pipeline.Deps
	pipeline *pipeline.Pipeline
	store    *audit.Store
	metrics  *telemetry.Metrics
	closers  []func() error
}

// newApp wires every collaborator from c. The tracker is only connected
// when withTracker is set.
func newApp(ctx context.Context, c *config.Config, withTracker bool) (*app, error) {
	a := &app{metrics: telemetry.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := telemetry.Init(ctx, "helpdesk", c.Telemetry.Tracing, os.Stderr); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
		return nil
	})

	dir, err := directory.Load(c.Directory)
	if err != nil {
		return nil, err
	}

	sink, err := a.auditSink(c)
	if err != nil {
		return nil, err
	}

	var vectors *vindex.Cache
	if c.Codec.Addr != "" {
		embedder, err := codec.NewClient(c.Codec.Addr, c.Vector.Model)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, embedder.Close)
		vectors = vindex.NewCache(c.VectorConfig(), embedder.WithTimeout(c.Codec.Timeout))
	}

	gen, err := a.generator(c)
	if err != nil {
		return nil, err
	}

	a.deps = pipeline.Deps{
		Docs:      c.Docs,
		Directory: dir,
		Retrieval: c.RetrievalConfig(),
		Vectors:   vectors,
		Generator: gen,
		Policy:    c.GatePolicy(),
		Audit:     sink,
		Metrics:   a.metrics,
		Logger:    logging.New("pipeline"),
	}
	if withTracker {
		if a.deps.Tracker, err = newTracker(c); err != nil {
			return nil, err
		}
		if a.deps.Claimer, err = a.claimer(ctx, c); err != nil {
			return nil, err
		}
	}
	a.pipeline = pipeline.New(a.deps)
	ok = true
	return a, nil
}

func (a *app) auditSink(c *config.Config) (audit.Sink, error) {
	var sinks []audit.Sink
	if c.Audit.JSONL != "" {
		sinks = append(sinks, audit.NewJSONL(c.Audit.JSONL))
	}
	if c.Audit.SQLite != "" {
		st, err := audit.NewStore(c.Audit.SQLite)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
		sinks = append(sinks, st)
	}
	if len(sinks) == 0 {
		return audit.Discard, nil
	}
	return audit.Tee(sinks...), nil
}

func (a *app) generator(c *config.Config) (llm.Generator, error) {
	switch c.LLM.Provider {
	case config.ProviderAnthropic:
		return llm.NewAnthropic(c.AnthropicConfig())
	case config.ProviderCodec:
		client, err := codec.NewClient(c.Codec.Addr, c.LLM.Model)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return client.WithTimeout(c.Codec.Timeout), nil
	}
	return nil, nil
}

func (a *app) claimer(ctx context.Context, c *config.Config) (approval.Claimer, error) {
	if c.Redis.Addr == "" {
		return approval.NewMemoryClaimer(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
	a.closers = append(a.closers, rdb.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", c.Redis.Addr, err)
	}
	return approval.NewRedisClaimer(rdb, c.Redis.ClaimTTL), nil
}

func newTracker(c *config.Config) (tracker.Tracker, error) {
	if c.GitHub.Repo == "" {
		return nil, errors.New("github.repo is required for tracker commands")
	}
	if c.GitHub.Token == "" {
		return nil, errors.New("github.token (or GITHUB_TOKEN) is required for tracker commands")
	}
	gh, err := tracker.NewGitHub(c.GitHub.Token, c.GitHub.Repo)
	if err != nil {
		return nil, err
	}
	return gh.WithBaseURL(c.GitHub.BaseURL), nil
}

// Close releases collaborators in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// #endregion app

// #region output
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// #endregion output
