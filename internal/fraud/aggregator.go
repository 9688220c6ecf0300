package fraud

// Recommended actions per risk level.
const (
	ActionCritical = "Block access immediately and require manual verification"
	ActionHigh     = "Require additional authentication factors"
	ActionMedium   = "Monitor closely and request email verification"
	ActionLow      = "Allow access with standard monitoring"
)

// Aggregator combines partial signals into one bounded decision.
type Aggregator struct {
	blockThreshold int
}

// NewAggregator creates an aggregator. A non-positive threshold uses the default.
func NewAggregator(blockThreshold int) *Aggregator {
	if blockThreshold <= 0 || blockThreshold > 100 {
		blockThreshold = DefaultBlockThreshold
	}
	return &Aggregator{blockThreshold: blockThreshold}
}

// Aggregate sums signal scores, caps at 100 and classifies. It never fails.
func (a *Aggregator) Aggregate(signals []Signal) *FraudAnalysisResult {
	total := 0
	indicators := []string{}
	for _, s := range signals {
		if s.Score > 0 {
			total += s.Score
		}
		indicators = append(indicators, s.Indicators...)
	}
	score := clampScore(total)
	level := ClassifyRisk(score)
	return &FraudAnalysisResult{
		RiskScore:         score,
		RiskLevel:         level,
		Indicators:        indicators,
		RecommendedAction: RecommendedAction(level),
		ShouldBlock:       score >= a.blockThreshold,
	}
}

// ClassifyRisk maps a score to its risk level.
func ClassifyRisk(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RecommendedAction maps a risk level to the action callers should take.
func RecommendedAction(level RiskLevel) string {
	switch level {
	case RiskCritical:
		return ActionCritical
	case RiskHigh:
		return ActionHigh
	case RiskMedium:
		return ActionMedium
	default:
		return ActionLow
	}
}
