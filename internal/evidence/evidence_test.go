package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/kb"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/llm"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
)

func vpnPassages() []kb.Passage {
	return []kb.Passage{
		{DocPath: "docs/public/vpn.md", Tier: kb.TierPublic, Heading: "Troubleshooting", Anchor: "#troubleshooting",
			Content: "Use this runbook when VPN fails.\n1. Verify your MFA token is current because expired tokens are rejected."},
		{DocPath: "docs/internal/vpn-admin.md", Tier: kb.TierInternal, Heading: "Reconnect", Anchor: "#reconnect",
			Content: "Disconnect and reconnect the client; this helps clear stale sessions."},
		{DocPath: "docs/public/mfa.md", Tier: kb.TierPublic, Heading: "Overview", Anchor: "#overview",
			Content: "Purpose: explain MFA.\nMFA protects accounts."},
	}
}

func resultOf(ps []kb.Passage, maxScore float64) retrieval.Result {
	var ranked []retrieval.Candidate
	for _, p := range ps {
		ranked = append(ranked, retrieval.Candidate{Passage: p, Score: maxScore})
	}
	conf := retrieval.Confidence(maxScore, 8)
	if len(ps) == 0 {
		conf = retrieval.ConfidenceFloor
	}
	return retrieval.Result{Ranked: ranked, MaxScore: maxScore, Confidence: conf}
}

func decode(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

// #region line-picking
func TestPickBestLine(t *testing.T) {
	cases := []struct {
		name, text, want string
	}{
		{"numbered item skips boilerplate", "Use this runbook when X.\n- [ ] done\n1. Open the VPN client", "Open the VPN client"},
		{"imperative line", "Some background.\nVerify your token.", "Verify your token."},
		{"first plain line", "## Heading\nTokens expire daily.", "Tokens expire daily."},
		{"only boilerplate", "Purpose: nothing", ""},
		{"empty", "  \n", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PickBestLine(tc.text); got != tc.want {
				t.Errorf("PickBestLine = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLeadingVerb(t *testing.T) {
	cases := map[string]string{
		"Verify the token":                    "verify",
		"The user should check the VPN":       "check",
		"Steps include restart of the client": "restart",
		"Then sign in again to the portal":    "sign in",
		"Reboot the laptop":                   "other",
	}
	for in, want := range cases {
		if got := LeadingVerb(in); got != want {
			t.Errorf("LeadingVerb(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractRationale(t *testing.T) {
	if got := ExtractRationale("Restart the client because cached tokens expire"); got != "because cached tokens expire" {
		t.Errorf("got %q", got)
	}
	if got := ExtractRationale("Open settings"); got != defaultRationale {
		t.Errorf("got %q", got)
	}
	// İ lowercases to a longer byte sequence; the tail keeps its own case
	if got := ExtractRationale("Select the İzmir profile BECAUSE Tokens expire"); got != "BECAUSE Tokens expire" {
		t.Errorf("non-ASCII: got %q", got)
	}
	long := "Retry because " + strings.Repeat("x", 200)
	got := ExtractRationale(long)
	if runeLen(got) > maxRationaleRunes || !strings.HasSuffix(got, "...") {
		t.Errorf("rationale not capped: %d runes", runeLen(got))
	}
}

// #endregion line-picking

// #region deterministic
func TestDeterministic_NoEvidence(t *testing.T) {
	got := Deterministic(NewCatalog(nil), "VPN is not working", 0, retrieval.ConfidenceFloor)
	if got.ConfidenceLevel != LevelLow {
		t.Errorf("level = %s, want Low", got.ConfidenceLevel)
	}
	if got.ClarifyingQuestion == "" {
		t.Error("expected a clarifying question")
	}
	for _, b := range got.EvidenceBullets {
		if b.SourceID != NoSource {
			t.Errorf("bullet source = %q, want N/A", b.SourceID)
		}
	}
}

func TestDeterministic_GroundedAndValid(t *testing.T) {
	c := NewCatalog(vpnPassages())
	got := Deterministic(c, "VPN error: authentication failed", 12, retrieval.Confidence(12, 8))

	wantBullets := []Bullet{
		{Text: "Verify your MFA token is current because expired tokens are rejected.", SourceID: "S1"},
		{Text: "Disconnect and reconnect the client; this helps clear stale sessions.", SourceID: "S2"},
		{Text: "MFA protects accounts.", SourceID: "S3"},
	}
	if diff := cmp.Diff(wantBullets, got.EvidenceBullets); diff != "" {
		t.Fatalf("bullets mismatch (-want +got):\n%s", diff)
	}
	if got.ClarifyingQuestion != "" {
		t.Errorf("explicit error should suppress the question, got %q", got.ClarifyingQuestion)
	}
	if got.ConfidenceLevel != LevelMedium {
		t.Errorf("level = %s, want Medium for confidence 0.6", got.ConfidenceLevel)
	}
	if got.SummarySteps[0].Step != wantBullets[0].Text {
		t.Errorf("first step = %q, want verify group first", got.SummarySteps[0].Step)
	}

	if _, err := Validate(decode(t, got), c); err != nil {
		t.Fatalf("deterministic output failed validation: %v", err)
	}
}

func TestDeterministic_PadsSteps(t *testing.T) {
	ps := vpnPassages()[:1]
	got := Deterministic(NewCatalog(ps), "vpn", 3, retrieval.Confidence(3, 8))
	if len(got.EvidenceBullets) != 2 || got.EvidenceBullets[1].SourceID != NoSource {
		t.Fatalf("expected padding bullet, got %+v", got.EvidenceBullets)
	}
	if len(got.SummarySteps) != 2 || got.SummarySteps[1].Step != padStep {
		t.Fatalf("expected padding step, got %+v", got.SummarySteps)
	}
	if diff := cmp.Diff([]string{"S1"}, got.SummarySteps[1].SourceIDs); diff != "" {
		t.Errorf("pad step ids (-want +got):\n%s", diff)
	}
}

func TestClarifyingQuestion(t *testing.T) {
	if ClarifyingQuestion("I can't log in") == "" {
		t.Error("trouble phrase should ask for details")
	}
	if ClarifyingQuestion("Error: 809 when connecting") != "" {
		t.Error("explicit error should not ask")
	}
	if ClarifyingQuestion("How do I request a laptop?") != "" {
		t.Error("plain question should not ask")
	}
}

// #endregion deterministic

// #region validate
func validRaw() map[string]any {
	return map[string]any{
		"summary_steps": []any{
			map[string]any{"step": "Verify the token", "rationale": "expired tokens fail", "source_ids": []any{"S1"}},
			map[string]any{"step": "Check the client", "rationale": "stale sessions", "source_ids": []any{}},
		},
		"evidence_bullets": []any{
			map[string]any{"text": "Verify MFA token", "source_id": "S1"},
			map[string]any{"text": "Reconnect the client", "source_id": "S2"},
		},
		"clarifying_question": "",
		"confidence_level":    "High",
		"confidence_reason":   "clear match",
	}
}

func TestValidate(t *testing.T) {
	c := NewCatalog(vpnPassages())

	cases := []struct {
		name   string
		mutate func(m map[string]any) any
		reason string
	}{
		{"valid", func(m map[string]any) any { return m }, ""},
		{"not an object", func(map[string]any) any { return []any{} }, "not_a_dict"},
		{"old shape", func(map[string]any) any {
			return map[string]any{"bullets": []any{"a"}, "confidence_level": "Low"}
		}, "old_format_bullets"},
		{"missing evidence bullets", func(m map[string]any) any {
			delete(m, "evidence_bullets")
			return m
		}, "missing_field:evidence_bullets"},
		{"unknown source", func(m map[string]any) any {
			m["evidence_bullets"].([]any)[1].(map[string]any)["source_id"] = "S9"
			return m
		}, "evidence_bullet_source_id_not_in_sources"},
		{"n/a with sources", func(m map[string]any) any {
			m["evidence_bullets"].([]any)[0].(map[string]any)["source_id"] = "N/A"
			return m
		}, "evidence_bullet_n/a_when_sources"},
		{"too few bullets", func(m map[string]any) any {
			m["evidence_bullets"] = m["evidence_bullets"].([]any)[:1]
			return m
		}, "evidence_bullets_count_out_of_range"},
		{"unknown step source", func(m map[string]any) any {
			m["summary_steps"].([]any)[0].(map[string]any)["source_ids"] = []any{"S7"}
			return m
		}, "summary_step_source_id_not_in_sources"},
		{"unattributed claim", func(m map[string]any) any {
			m["summary_steps"].([]any)[1].(map[string]any)["step"] = "Your account is locked"
			return m
		}, "summary_step_unattributed_nonverb"},
		{"source ids not list", func(m map[string]any) any {
			m["summary_steps"].([]any)[0].(map[string]any)["source_ids"] = "S1"
			return m
		}, "summary_step_source_ids_not_list"},
		{"long question", func(m map[string]any) any {
			m["clarifying_question"] = strings.Repeat("q", 241)
			return m
		}, "clarifying_question_too_long"},
		{"bad level", func(m map[string]any) any {
			m["confidence_level"] = "very high"
			return m
		}, "invalid_confidence_level"},
		{"blank reason", func(m map[string]any) any {
			m["confidence_reason"] = " "
			return m
		}, "confidence_reason_invalid"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Validate(tc.mutate(validRaw()), c)
			if tc.reason == "" {
				if err != nil {
					t.Fatalf("unexpected rejection: %v", err)
				}
				if len(got.SummarySteps) != 2 || got.ConfidenceLevel != LevelHigh {
					t.Fatalf("unexpected intermediate: %+v", got)
				}
				return
			}
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want SchemaError", err)
			}
			if se.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", se.Reason, tc.reason)
			}
		})
	}
}

func TestValidate_NoSourceAllowedWhenCatalogEmpty(t *testing.T) {
	raw := decode(t, NoEvidence())
	if _, err := Validate(raw, NewCatalog(nil)); err != nil {
		t.Fatalf("no-evidence intermediate rejected: %v", err)
	}
}

// #endregion validate

// #region synthesizer
func TestSynthesize(t *testing.T) {
	res := resultOf(vpnPassages(), 12)
	validJSON, _ := json.Marshal(validRaw())

	cases := []struct {
		name    string
		gen     llm.Generator
		useLLM  bool
		usedLLM bool
		reason  string
	}{
		{"deterministic only", nil, false, false, ""},
		{"no generator", nil, true, false, "no_generator"},
		{"generated and valid", llm.GeneratorFunc(func(context.Context, string, string) (string, error) {
			return "```json\n" + string(validJSON) + "\n```", nil
		}), true, true, ""},
		{"generated with unknown source", llm.GeneratorFunc(func(context.Context, string, string) (string, error) {
			return `{"summary_steps":[],"evidence_bullets":[{"text":"a","source_id":"S1"},{"text":"b","source_id":"S42"}],` +
				`"clarifying_question":"","confidence_level":"High","confidence_reason":"x"}`, nil
		}), true, false, "invalid_intermediate:evidence_bullet_source_id_not_in_sources"},
		{"generator error", llm.GeneratorFunc(func(context.Context, string, string) (string, error) {
			return "", errors.New("upstream 503")
		}), true, false, "llm_error:upstream 503"},
		{"missing key", llm.GeneratorFunc(func(context.Context, string, string) (string, error) {
			return "", llm.ErrAPIKeyRequired
		}), true, false, "no_api_key"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSynthesizer(tc.gen, nil, logging.Discard())
			got, meta, catalog := s.Synthesize(context.Background(), "vpn keeps dropping", res, tc.useLLM)
			if meta.UsedLLM != tc.usedLLM || meta.FallbackReason != tc.reason {
				t.Fatalf("meta = %+v, want used=%v reason=%q", meta, tc.usedLLM, tc.reason)
			}
			if catalog.Len() != 3 {
				t.Fatalf("catalog len = %d", catalog.Len())
			}
			if !tc.usedLLM {
				want := Deterministic(catalog, "vpn keeps dropping", res.MaxScore, res.Confidence)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("fallback should be deterministic (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestSynthesize_PromptCarriesOnlyCompactSources(t *testing.T) {
	long := vpnPassages()
	long[0].Content = strings.Repeat("a", 900)
	var gotUser string
	gen := llm.GeneratorFunc(func(_ context.Context, _, user string) (string, error) {
		gotUser = user
		return "not json", nil
	})
	s := NewSynthesizer(gen, nil, logging.Discard())
	_, meta, _ := s.Synthesize(context.Background(), "q", resultOf(long, 2), true)

	if !strings.HasPrefix(meta.FallbackReason, "llm_error:") {
		t.Errorf("reason = %q, want llm_error", meta.FallbackReason)
	}
	if strings.Contains(gotUser, strings.Repeat("a", 701)) {
		t.Error("source content was not compacted to 700 characters")
	}
	if !strings.Contains(gotUser, `"source_id":"S3"`) {
		t.Error("prompt missing catalog ids")
	}
}

// #endregion synthesizer

// #region render
func TestCitations_FromBulletsOnly(t *testing.T) {
	c := NewCatalog(vpnPassages())
	in := Intermediate{
		SummarySteps: []Step{{Step: "Verify", Rationale: "r", SourceIDs: []string{"S3"}}},
		EvidenceBullets: []Bullet{
			{Text: "a", SourceID: "S1"},
			{Text: "b", SourceID: "S1"},
			{Text: "c", SourceID: "N/A"},
		},
	}
	want := []Citation{{Doc: "docs/public/vpn.md", Section: "Troubleshooting", Anchor: "#troubleshooting", Tier: kb.TierPublic}}
	if diff := cmp.Diff(want, Citations(in, c)); diff != "" {
		t.Errorf("citations (-want +got):\n%s", diff)
	}
	if n := len(RetrievedCitations(c)); n != 3 {
		t.Errorf("retrieved citations = %d, want 3", n)
	}
}

func TestAnswer(t *testing.T) {
	c := NewCatalog(vpnPassages())
	in := Intermediate{
		SummarySteps: []Step{
			{Step: "Verify the token", Rationale: "expired tokens fail", SourceIDs: []string{"S1", "S2"}},
			{Step: "Retry", SourceIDs: []string{}},
		},
		ClarifyingQuestion: "Which app?",
	}
	text, actions := Answer(in, c)
	want := strings.Join([]string{
		answerHeader,
		"- Verify the token — expired tokens fail (public:vpn.md#troubleshooting, internal:vpn-admin.md#reconnect)",
		"- Retry",
		"",
		"Clarifying question: Which app?",
	}, "\n")
	if text != want {
		t.Errorf("answer:\n%s\nwant:\n%s", text, want)
	}
	if diff := cmp.Diff([]string{"Verify the token", "Retry", DetailsAction}, actions); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
	if got := ProposedActions(Intermediate{}); !cmp.Equal(got, []string{DefaultAction}) {
		t.Errorf("empty actions = %v", got)
	}
}

func TestAlignConfidence(t *testing.T) {
	in := Intermediate{ConfidenceLevel: LevelHigh, ConfidenceReason: "model says so"}
	AlignConfidence(&in, 0.25)
	if in.ConfidenceLevel != LevelLow {
		t.Errorf("level = %s, want Low", in.ConfidenceLevel)
	}
	if in.ConfidenceReason != "retrieval_confidence=0.25; model says so" {
		t.Errorf("reason = %q", in.ConfidenceReason)
	}
	AlignConfidence(&in, 0.25)
	if strings.Count(in.ConfidenceReason, confidencePrefix) != 1 {
		t.Errorf("prefix applied twice: %q", in.ConfidenceReason)
	}
}

// #endregion render
