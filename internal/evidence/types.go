// Package evidence turns ranked passages into a citation-addressable
// intermediate and renders the final answer from it.
package evidence

// #region level
// Level is the three-band confidence label.
type Level string

const (
	LevelHigh   Level = "High"
	LevelMedium Level = "Medium"
	LevelLow    Level = "Low"
)

// LevelFor bands a retrieval confidence number.
func LevelFor(confidence float64) Level {
	switch {
	case confidence >= 0.70:
		return LevelHigh
	case confidence >= 0.45:
		return LevelMedium
	default:
		return LevelLow
	}
}

func validLevel(s string) bool {
	switch Level(s) {
	case LevelHigh, LevelMedium, LevelLow:
		return true
	}
	return false
}

// #endregion level

// #region intermediate
// NoSource tags a bullet that is not backed by any retrieved passage.
const NoSource = "N/A"

// Bullet is one source-grounded evidence line.
type Bullet struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id"`
}

// Step is one summarized action with the sources that support it.
type Step struct {
	Step      string   `json:"step"`
	Rationale string   `json:"rationale"`
	SourceIDs []string `json:"source_ids"`
}

// Intermediate is the structured evidence summary the answer is rendered from.
// Citations come only from EvidenceBullets.
type Intermediate struct {
	SummarySteps       []Step   `json:"summary_steps"`
	EvidenceBullets    []Bullet `json:"evidence_bullets"`
	ClarifyingQuestion string   `json:"clarifying_question"`
	ConfidenceLevel    Level    `json:"confidence_level"`
	ConfidenceReason   string   `json:"confidence_reason"`
}

// Meta records which path produced the intermediate.
type Meta struct {
	UsedLLM        bool   `json:"used_llm"`
	FallbackReason string `json:"fallback_reason"`
}

// #endregion intermediate

// #region limits
const (
	maxBullets        = 8
	minBullets        = 2
	maxSteps          = 5
	minSteps          = 2
	maxRationaleRunes = 120
	maxBulletRunes    = 160
	maxStepRunes      = 80
	maxQuestionRunes  = 240
	compactRunes      = 700
)

// #endregion limits
