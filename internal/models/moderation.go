package models

// ModerationAction is the decision the moderation engine hands back for a
// piece of submission content.
type ModerationAction string

const (
	ActionApprove    ModerationAction = "APPROVE"
	ActionFlagReview ModerationAction = "FLAG_REVIEW"
	ActionAutoReject ModerationAction = "AUTO_REJECT"
)

// Category names the kinds of content the moderation engine screens for.
type Category string

const (
	CategorySpam          Category = "spam"
	CategoryToxic         Category = "toxic"
	CategoryHateSpeech    Category = "hate_speech"
	CategoryFraud         Category = "fraud"
	CategoryInappropriate Category = "inappropriate"
)

// Severity ranks how serious a detection is. CRITICAL detections can
// auto-reject on their own when any category is confident enough.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type CategoryDetection struct {
	Detected   bool     `json:"detected"`
	Confidence int      `json:"confidence"` // 0-100
	Severity   Severity `json:"severity"`
}

type ModerationResult struct {
	Flagged     bool                           `json:"flagged"`
	Categories  map[Category]CategoryDetection `json:"categories"`
	Action      ModerationAction               `json:"action"`
	Explanation string                         `json:"explanation"`
	Source      string                         `json:"source"` // "allowlist", "blocklist", "cache", "ai"
}

// MaxConfidence returns the highest confidence across detected categories.
func (m *ModerationResult) MaxConfidence() int {
	max := 0
	for _, d := range m.Categories {
		if d.Detected && d.Confidence > max {
			max = d.Confidence
		}
	}
	return max
}

// HasCriticalDetection reports whether any detected category carries
// CRITICAL severity.
func (m *ModerationResult) HasCriticalDetection() bool {
	for _, d := range m.Categories {
		if d.Detected && d.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
