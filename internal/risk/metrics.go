// Package risk computes deterministic treasury risk metrics.
//
// Every function here is pure: metrics are a function of the snapshot
// and whatever market data the run bought, nothing else. Balance math
// upstream is arbitrary-precision; ratio and price math here is float64
// rounded to 3 decimal places where surfaced.
package risk

import (
	"math"
)

// DefaultLCRThreshold is the compliance line for the liquidity
// coverage ratio.
const DefaultLCRThreshold = 1.0

// DefaultParticipationRate caps how much of daily volume an exit may
// consume without moving the market.
const DefaultParticipationRate = 0.1

// LCR is the liquidity coverage ratio: high-quality liquid assets over
// net projected outflows. Inflows offset at most 75% of outflows.
// Returns +Inf when net outflows are zero.
func LCR(hqla, outflows, inflows float64) float64 {
	net := outflows - math.Min(inflows, 0.75*outflows)
	if net <= 0 {
		return math.Inf(1)
	}
	return round3(hqla / net)
}

// ExitHalfLifeHours estimates the hours needed to unwind half a
// position at the given participation rate. Returns +Inf when daily
// volume is zero.
func ExitHalfLifeHours(positionUSD, dailyVolumeUSD, participationRate float64) float64 {
	if participationRate <= 0 {
		participationRate = DefaultParticipationRate
	}
	daily := dailyVolumeUSD * participationRate
	if daily <= 0 {
		return math.Inf(1)
	}
	return round3((positionUSD / 2) / daily * 24)
}

// AnnualizedVolatility is the standard deviation of log returns over
// the sample window, annualized with √365. Fewer than three samples
// yields zero.
func AnnualizedVolatility(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	return round3(math.Sqrt(variance) * math.Sqrt(365))
}

// Regime buckets annualized volatility. Boundary values classify into
// the calmer bucket: exactly 0.30 is NORMAL, not ELEVATED.
type Regime string

const (
	RegimeLow      Regime = "LOW"
	RegimeNormal   Regime = "NORMAL"
	RegimeElevated Regime = "ELEVATED"
	RegimeHigh     Regime = "HIGH"
	RegimeExtreme  Regime = "EXTREME"
)

// ClassifyVolatility maps annualized volatility to a regime.
func ClassifyVolatility(vol float64) Regime {
	switch {
	case vol <= 0.15:
		return RegimeLow
	case vol <= 0.30:
		return RegimeNormal
	case vol <= 0.50:
		return RegimeElevated
	case vol <= 0.80:
		return RegimeHigh
	default:
		return RegimeExtreme
	}
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price    float64
	Quantity float64
}

// DepthBandPercents are the distances from mid the engine sums depth
// at, in percent.
var DepthBandPercents = []float64{0.1, 0.25, 0.5, 1, 2, 5}

// DepthBand is the notional resting within a percent band of mid.
type DepthBand struct {
	Percent     float64 `json:"percent"`
	BidNotional float64 `json:"bid_notional"`
	AskNotional float64 `json:"ask_notional"`
}

// DepthBands sums bid and ask notional inside each standard band.
func DepthBands(mid float64, bids, asks []BookLevel) []DepthBand {
	bands := make([]DepthBand, 0, len(DepthBandPercents))
	for _, p := range DepthBandPercents {
		band := DepthBand{Percent: p}
		lo := mid * (1 - p/100)
		hi := mid * (1 + p/100)

		for _, b := range bids {
			if b.Price >= lo {
				band.BidNotional += b.Price * b.Quantity
			}
		}
		for _, a := range asks {
			if a.Price <= hi {
				band.AskNotional += a.Price * a.Quantity
			}
		}
		band.BidNotional = round3(band.BidNotional)
		band.AskNotional = round3(band.AskNotional)
		bands = append(bands, band)
	}
	return bands
}

// ImpactSizesUSD are the notional targets the impact curve is sampled at.
var ImpactSizesUSD = []float64{10_000, 50_000, 100_000, 500_000, 1_000_000}

// ImpactPoint is the cost of buying one target size through the book.
type ImpactPoint struct {
	SizeUSD        float64 `json:"size_usd"`
	ExecutionPrice float64 `json:"execution_price"`
	SlippagePct    float64 `json:"slippage_pct"`
	Filled         bool    `json:"filled"`
}

// ImpactCurve samples execution cost at the standard sizes.
// MaxTradeable is the total ask-side notional, the largest order the
// book can absorb.
type ImpactCurve struct {
	Points       []ImpactPoint `json:"points"`
	MaxTradeable float64       `json:"max_tradeable_usd"`
}

// Impact walks the ask side of the book filling each target notional
// in price order. Slippage is measured against mid.
func Impact(mid float64, asks []BookLevel) ImpactCurve {
	sorted := make([]BookLevel, len(asks))
	copy(sorted, asks)
	sortLevels(sorted)

	var total float64
	for _, a := range sorted {
		total += a.Price * a.Quantity
	}

	curve := ImpactCurve{MaxTradeable: round3(total)}
	for _, size := range ImpactSizesUSD {
		curve.Points = append(curve.Points, fillTarget(mid, sorted, size))
	}
	return curve
}

func fillTarget(mid float64, asks []BookLevel, targetUSD float64) ImpactPoint {
	point := ImpactPoint{SizeUSD: targetUSD}

	var cost, qty float64
	remaining := targetUSD
	for _, a := range asks {
		levelNotional := a.Price * a.Quantity
		if levelNotional >= remaining {
			fillQty := remaining / a.Price
			cost += remaining
			qty += fillQty
			remaining = 0
			break
		}
		cost += levelNotional
		qty += a.Quantity
		remaining -= levelNotional
	}

	if remaining > 0 || qty == 0 {
		return point // book too thin for this size
	}

	exec := cost / qty
	point.ExecutionPrice = round3(exec)
	if mid > 0 {
		point.SlippagePct = round3((exec - mid) / mid * 100)
	}
	point.Filled = true
	return point
}

func sortLevels(levels []BookLevel) {
	// Insertion sort: books arrive nearly sorted and stay small.
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && levels[j].Price < levels[j-1].Price; j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

func round3(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	return math.Round(v*1000) / 1000
}
