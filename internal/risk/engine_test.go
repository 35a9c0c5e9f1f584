package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeHealthyTreasury(t *testing.T) {
	m := Compute(Inputs{
		HQLA:              5_000_000,
		ProjectedOutflows: 1_000_000,
		Positions: []Position{
			{Symbol: "ETH", SizeUSD: 100_000, DailyVolumeUSD: 10_000_000},
		},
		Prices: []float64{100, 100.1, 100.05, 100.12, 100.08},
	})

	require.Equal(t, 5.0, m.LCR)
	require.Equal(t, RegimeLow, m.Regime)
	require.LessOrEqual(t, m.AvgHalfLifeHours, 24.0)
	require.Equal(t, LevelLow, m.Level)
	require.Zero(t, m.Score)
	require.Nil(t, m.DepthBands)
	require.Nil(t, m.Impact)
}

func TestComputeStressedTreasury(t *testing.T) {
	// Thin coverage, illiquid positions, violent prices.
	m := Compute(Inputs{
		HQLA:              500_000,
		ProjectedOutflows: 1_000_000,
		Positions: []Position{
			{Symbol: "ALT", SizeUSD: 2_000_000, DailyVolumeUSD: 50_000},
		},
		Prices: []float64{100, 92, 104, 89, 107, 95},
	})

	require.Equal(t, 0.5, m.LCR)
	require.Equal(t, RegimeExtreme, m.Regime)
	require.Greater(t, m.AvgHalfLifeHours, 168.0)
	require.Equal(t, 100.0, m.Score)
	require.Equal(t, LevelCritical, m.Level)
}

func TestComputeWithOrderBook(t *testing.T) {
	m := Compute(Inputs{
		HQLA:              2_000_000,
		ProjectedOutflows: 1_000_000,
		Prices:            []float64{100, 100, 100, 100},
		Mid:               100,
		Bids:              []BookLevel{{Price: 99.9, Quantity: 100}},
		Asks:              []BookLevel{{Price: 100.1, Quantity: 100}},
	})

	require.Len(t, m.DepthBands, 6)
	require.NotNil(t, m.Impact)
	require.Len(t, m.Impact.Points, 5)
}

func TestComputeAllPositionsIlliquid(t *testing.T) {
	m := Compute(Inputs{
		HQLA:              1_000_000,
		ProjectedOutflows: 0,
		Positions: []Position{
			{Symbol: "A", SizeUSD: 1_000, DailyVolumeUSD: 0},
			{Symbol: "B", SizeUSD: 2_000, DailyVolumeUSD: 0},
		},
	})

	require.True(t, math.IsInf(m.AvgHalfLifeHours, 1))
	for _, hl := range m.HalfLives {
		require.True(t, math.IsInf(hl.Hours, 1))
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	in := Inputs{
		HQLA:              1_234_567,
		ProjectedOutflows: 890_123,
		ProjectedInflows:  120_000,
		Positions: []Position{
			{Symbol: "ETH", SizeUSD: 400_000, DailyVolumeUSD: 900_000},
			{Symbol: "UNI", SizeUSD: 150_000, DailyVolumeUSD: 80_000},
		},
		Prices: []float64{99.5, 101.2, 100.7, 102.3, 101.1, 103.0},
		Mid:    101.5,
		Bids:   []BookLevel{{Price: 101.2, Quantity: 40}, {Price: 100.5, Quantity: 90}},
		Asks:   []BookLevel{{Price: 101.8, Quantity: 35}, {Price: 102.6, Quantity: 120}},
	}

	first := Compute(in)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Compute(in))
	}
}

func TestClassifyScore(t *testing.T) {
	tests := []struct {
		score float64
		want  RiskLevel
	}{
		{0, LevelLow},
		{25, LevelLow},
		{25.1, LevelMedium},
		{50, LevelMedium},
		{62, LevelHigh},
		{75, LevelHigh},
		{76, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ClassifyScore(tt.score), "score=%v", tt.score)
	}
}
