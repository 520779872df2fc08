package model

import "math"

// Round2 rounds to two decimal places, matching how scores are displayed.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Recompute derives the aggregate totals from the items. Only question
// items contribute; context items are always excluded. Zero-valued scores
// (including scores the oracle never filled in) count as zero.
func Recompute(items []GradingItem) (totalScore, maxTotalScore float64) {
	for _, it := range items {
		if it.Kind != ItemQuestion || it.Question == nil {
			continue
		}
		totalScore += it.Question.Verdict.Score
		maxTotalScore += it.Question.Verdict.MaxScore
	}
	return Round2(totalScore), Round2(maxTotalScore)
}

// RecomputeTotals re-derives TotalScore and MaxTotalScore in place. It is
// the only writer of those two fields.
func (r *SessionResult) RecomputeTotals() {
	r.TotalScore, r.MaxTotalScore = Recompute(r.Items)
}
