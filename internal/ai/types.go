package ai

// Assessment is the model's view of one candidate.
type Assessment struct {
	Score      float64 `json:"score"`      // -1 strongly bearish .. 1 strongly bullish
	Confidence int     `json:"confidence"` // 0-100
	Reasoning  string  `json:"reasoning"`
}
