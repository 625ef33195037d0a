package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/llm"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/telemetry"
)

const synthSystemPrompt = "You are an internal IT helpdesk pipeline component.\n" +
	"Return STRICT JSON only (no markdown, no extra text).\n" +
	"Use ONLY the provided sources. Do not add any new facts.\n" +
	"Output schema (v2):\n" +
	"evidence_bullets: array of 2-8 objects, each { \"text\": string, \"source_id\": string }. " +
	"source_id MUST be one of the provided source_id values (e.g. S1, S2). One bullet per source quote/fact; do not merge.\n" +
	"summary_steps: array of 2-5 objects, each { \"step\": string (short imperative), \"rationale\": string (<=120 chars), \"source_ids\": string[] }. " +
	"source_ids MUST be a list; it MAY be empty only if the step truly cannot be attributed, but prefer including at least one valid source_id when possible. " +
	"Each id must be from provided sources. You may merge/dedupe across sources.\n" +
	"clarifying_question: empty string OR one question (max 240 chars).\n" +
	"confidence_level: High | Medium | Low.\n" +
	"confidence_reason: short string.\n"

// #region synthesizer
// Synthesizer produces the intermediate for one retrieval, optionally asking
// a generator and falling back to the deterministic synthesis.
type Synthesizer struct {
	gen     llm.Generator
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewSynthesizer creates a synthesizer. gen may be nil, in which case
// generated intermediates are never attempted.
func NewSynthesizer(gen llm.Generator, metrics *telemetry.Metrics, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = logging.New("evidence")
	}
	return &Synthesizer{gen: gen, metrics: metrics, log: logger}
}

// Synthesize builds the intermediate for query over res. With useLLM the
// generator is consulted and its output kept only if it validates; any
// failure returns the deterministic intermediate and the reason in Meta.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, res retrieval.Result, useLLM bool) (Intermediate, Meta, *Catalog) {
	ctx, span := telemetry.Tracer().Start(ctx, "evidence.synthesize")
	defer span.End()

	catalog := NewCatalog(res.Passages())
	det := Deterministic(catalog, query, res.MaxScore, res.Confidence)
	if !useLLM {
		return det, Meta{}, catalog
	}

	out, err := s.generate(ctx, query, catalog)
	if err != nil {
		reason := fallbackReason(err)
		span.SetAttributes(attribute.String("fallback_reason", reason))
		s.metrics.IntermediateFallback(reason)
		s.log.Warn("intermediate fallback", "reason", reason, "sources", catalog.Len())
		return det, Meta{FallbackReason: reason}, catalog
	}
	return out, Meta{UsedLLM: true}, catalog
}

func (s *Synthesizer) generate(ctx context.Context, query string, catalog *Catalog) (Intermediate, error) {
	if s.gen == nil {
		return Intermediate{}, llm.ErrDisabled
	}
	sources, err := json.Marshal(catalog.Compact())
	if err != nil {
		return Intermediate{}, fmt.Errorf("encode sources: %w", err)
	}
	user := "User request:\n" + query + "\n\n" +
		"Sources (JSON):\n" + string(sources) + "\n\n" +
		"Return JSON with keys: summary_steps, evidence_bullets, clarifying_question, confidence_level, confidence_reason."

	text, err := s.gen.Generate(ctx, synthSystemPrompt, user)
	if err != nil {
		return Intermediate{}, err
	}
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return Intermediate{}, err
	}
	return Validate(raw, catalog)
}

func fallbackReason(err error) string {
	var se *SchemaError
	switch {
	case errors.As(err, &se):
		return se.Error()
	case errors.Is(err, llm.ErrDisabled):
		return "no_generator"
	case errors.Is(err, llm.ErrAPIKeyRequired):
		return "no_api_key"
	default:
		return "llm_error:" + err.Error()
	}
}

// #endregion synthesizer
