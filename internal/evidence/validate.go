package evidence

import (
	"strings"
)

// #region schema-error
// SchemaError is a rejected generated intermediate. Reason is a stable
// snake_case code.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string { return "invalid_intermediate:" + e.Reason }

func reject(reason string) (Intermediate, error) {
	return Intermediate{}, &SchemaError{Reason: reason}
}

// #endregion schema-error

// #region validate
// Validate checks an untrusted decoded value against the intermediate schema
// and the catalog, returning a typed Intermediate only when every rule holds.
func Validate(raw any, c *Catalog) (Intermediate, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return reject("not_a_dict")
	}
	_, hasOld := obj["bullets"]
	_, hasNew := obj["evidence_bullets"]
	if hasOld && !hasNew {
		return reject("old_format_bullets")
	}
	for _, k := range []string{"summary_steps", "evidence_bullets", "clarifying_question", "confidence_level", "confidence_reason"} {
		if _, ok := obj[k]; !ok {
			return reject("missing_field:" + k)
		}
	}

	var out Intermediate
	hasSources := c.Len() > 0

	eb, ok := obj["evidence_bullets"].([]any)
	if !ok || len(eb) < minBullets || len(eb) > maxBullets {
		return reject("evidence_bullets_count_out_of_range")
	}
	for _, item := range eb {
		b, ok := item.(map[string]any)
		if !ok {
			return reject("evidence_bullet_not_object")
		}
		text, ok := b["text"].(string)
		if !ok || strings.TrimSpace(text) == "" {
			return reject("evidence_bullet_text_invalid")
		}
		sid, _ := b["source_id"].(string)
		sid = strings.TrimSpace(sid)
		switch {
		case sid == "":
			return reject("evidence_bullet_source_id_invalid")
		case sid == NoSource:
			if hasSources {
				return reject("evidence_bullet_n/a_when_sources")
			}
		case !c.Has(sid):
			return reject("evidence_bullet_source_id_not_in_sources")
		}
		out.EvidenceBullets = append(out.EvidenceBullets, Bullet{Text: text, SourceID: sid})
	}

	ss, ok := obj["summary_steps"].([]any)
	if !ok || len(ss) < minSteps || len(ss) > maxSteps {
		return reject("summary_steps_count_out_of_range")
	}
	for _, item := range ss {
		s, ok := item.(map[string]any)
		if !ok {
			return reject("summary_step_not_object")
		}
		step, _ := s["step"].(string)
		step = strings.TrimSpace(step)
		rationale, _ := s["rationale"].(string)
		rationale = strings.TrimSpace(rationale)
		if step == "" {
			return reject("summary_step_step_empty")
		}
		if rationale == "" {
			return reject("summary_step_rationale_empty")
		}
		list, ok := s["source_ids"].([]any)
		if !ok {
			return reject("summary_step_source_ids_not_list")
		}
		ids := make([]string, 0, len(list))
		for _, x := range list {
			id, ok := x.(string)
			if !ok {
				return reject("summary_step_source_ids_not_strings")
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			if !c.Has(id) {
				return reject("summary_step_source_id_not_in_sources")
			}
		}
		if hasSources && len(ids) == 0 && !startsWithVerb(step) {
			return reject("summary_step_unattributed_nonverb")
		}
		out.SummarySteps = append(out.SummarySteps, Step{Step: step, Rationale: rationale, SourceIDs: ids})
	}

	cq, ok := obj["clarifying_question"].(string)
	if !ok {
		return reject("clarifying_question_not_string")
	}
	if runeLen(cq) > maxQuestionRunes {
		return reject("clarifying_question_too_long")
	}
	out.ClarifyingQuestion = cq

	cl, _ := obj["confidence_level"].(string)
	if !validLevel(cl) {
		return reject("invalid_confidence_level")
	}
	out.ConfidenceLevel = Level(cl)

	cr, ok := obj["confidence_reason"].(string)
	if !ok || strings.TrimSpace(cr) == "" {
		return reject("confidence_reason_invalid")
	}
	out.ConfidenceReason = cr

	return out, nil
}

func startsWithVerb(step string) bool {
	lower := strings.ToLower(step)
	for _, v := range stepVerbs {
		if strings.HasPrefix(lower, v) {
			return true
		}
	}
	return false
}

// #endregion validate
