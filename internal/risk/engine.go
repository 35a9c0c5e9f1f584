package risk

import (
	"math"
)

// Factor weights for the 0-100 composite score.
const (
	weightLCR        = 40.0
	weightExit       = 30.0
	weightVolatility = 30.0
)

// RiskLevel buckets the composite score.
type RiskLevel string

const (
	LevelLow      RiskLevel = "LOW"
	LevelMedium   RiskLevel = "MEDIUM"
	LevelHigh     RiskLevel = "HIGH"
	LevelCritical RiskLevel = "CRITICAL"
)

// ClassifyScore maps a composite score to a risk level.
func ClassifyScore(score float64) RiskLevel {
	switch {
	case score <= 25:
		return LevelLow
	case score <= 50:
		return LevelMedium
	case score <= 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Position is one treasury holding sized for exit analysis.
type Position struct {
	Symbol         string  `json:"symbol"`
	SizeUSD        float64 `json:"size_usd"`
	DailyVolumeUSD float64 `json:"daily_volume_usd"`
}

// PositionHalfLife is the unwind estimate for one position.
type PositionHalfLife struct {
	Symbol string  `json:"symbol"`
	Hours  float64 `json:"hours"`
}

// Inputs is everything a metric computation may consume. Book fields
// are optional; without them depth and impact stay nil.
type Inputs struct {
	HQLA              float64
	ProjectedOutflows float64
	ProjectedInflows  float64
	Positions         []Position
	Prices            []float64 // chronological price samples
	ParticipationRate float64

	Mid  float64
	Bids []BookLevel
	Asks []BookLevel
}

// Metrics is the full computed set attached to a run.
type Metrics struct {
	LCR              float64            `json:"lcr"`
	HalfLives        []PositionHalfLife `json:"half_lives"`
	AvgHalfLifeHours float64            `json:"avg_half_life_hours"`
	Volatility       float64            `json:"volatility"`
	Regime           Regime             `json:"regime"`
	DepthBands       []DepthBand        `json:"depth_bands,omitempty"`
	Impact           *ImpactCurve       `json:"impact,omitempty"`
	Score            float64            `json:"score"`
	Level            RiskLevel          `json:"level"`
}

// Compute derives the metric set. Same inputs, same outputs: replays
// depend on this being a pure function.
func Compute(in Inputs) *Metrics {
	m := &Metrics{
		LCR: LCR(in.HQLA, in.ProjectedOutflows, in.ProjectedInflows),
	}

	var sum float64
	finite := 0
	for _, p := range in.Positions {
		hours := ExitHalfLifeHours(p.SizeUSD, p.DailyVolumeUSD, in.ParticipationRate)
		m.HalfLives = append(m.HalfLives, PositionHalfLife{Symbol: p.Symbol, Hours: hours})
		if !math.IsInf(hours, 1) {
			sum += hours
			finite++
		}
	}
	switch {
	case len(m.HalfLives) == 0:
		m.AvgHalfLifeHours = 0
	case finite == 0:
		m.AvgHalfLifeHours = math.Inf(1)
	default:
		m.AvgHalfLifeHours = round3(sum / float64(finite))
	}

	m.Volatility = AnnualizedVolatility(in.Prices)
	m.Regime = ClassifyVolatility(m.Volatility)

	if in.Mid > 0 && (len(in.Bids) > 0 || len(in.Asks) > 0) {
		m.DepthBands = DepthBands(in.Mid, in.Bids, in.Asks)
		curve := Impact(in.Mid, in.Asks)
		m.Impact = &curve
	}

	m.Score = score(m.LCR, m.AvgHalfLifeHours, m.Regime)
	m.Level = ClassifyScore(m.Score)
	return m
}

// score blends the three factor buckets into 0-100.
func score(lcr, avgHalfLifeHours float64, regime Regime) float64 {
	return round3(weightLCR*lcrFactor(lcr) +
		weightExit*exitFactor(avgHalfLifeHours) +
		weightVolatility*volatilityFactor(regime))
}

// lcrFactor: 0 is comfortably covered, 1 is critically short.
func lcrFactor(lcr float64) float64 {
	switch {
	case math.IsInf(lcr, 1) || lcr >= 1.5:
		return 0
	case lcr >= 1.25:
		return 0.25
	case lcr >= 1.0:
		return 0.5
	case lcr >= 0.75:
		return 0.75
	default:
		return 1
	}
}

// exitFactor: a day to unwind half the book is fine, a week is not.
func exitFactor(hours float64) float64 {
	switch {
	case hours <= 24:
		return 0
	case hours <= 72:
		return 1.0 / 3
	case hours <= 168:
		return 2.0 / 3
	default:
		return 1
	}
}

func volatilityFactor(regime Regime) float64 {
	switch regime {
	case RegimeLow:
		return 0
	case RegimeNormal:
		return 0.25
	case RegimeElevated:
		return 0.5
	case RegimeHigh:
		return 0.75
	default:
		return 1
	}
}
