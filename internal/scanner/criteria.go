package scanner

import (
	"math"

	"github.com/camuig/cryptopump/internal/trading"
)

const (
	minPumpHistory     = 30
	minTopMoverHistory = 50
)

// movement describes price and volume action over a criterion window.
type movement struct {
	changePct   float64
	volumeRatio float64
	price       float64
}

// measure compares the last close with the close window candles earlier.
// The volume ratio is the last candle's volume over the mean volume of the
// preceding history.
func measure(candles []trading.Candle, window int) (movement, bool) {
	if window < 1 || len(candles) < window+2 {
		return movement{}, false
	}
	last := candles[len(candles)-1]
	start := candles[len(candles)-1-window].Close
	if start <= 0 {
		return movement{}, false
	}

	baseline := 0.0
	for _, c := range candles[:len(candles)-1] {
		baseline += c.Volume
	}
	baseline /= float64(len(candles) - 1)

	ratio := 0.0
	if baseline > 0 {
		ratio = last.Volume / baseline
	}
	return movement{
		changePct:   (last.Close - start) / start * 100,
		volumeRatio: ratio,
		price:       last.Close,
	}, true
}

// pumpCriterion reports a pump: the price rose at least threshold percent
// within the window on volume at least multiplier times baseline. Moves
// beyond maxPct are too extreme to chase.
func pumpCriterion(m movement, threshold, multiplier, maxPct float64) bool {
	return m.changePct >= threshold && m.changePct <= maxPct && m.volumeRatio >= multiplier
}

func topMoverCriterion(m movement, threshold float64) bool {
	return m.changePct >= threshold
}

type validityLimits struct {
	minLiquidity   float64 // mean quote volume per candle
	minVolumeRatio float64
}

// validSymbol screens out illiquid or manipulated markets: thin quote
// volume, erratic returns, single-candle gaps, frozen prices, frequent
// extreme candles, and moves without volume behind them.
func validSymbol(candles []trading.Candle, m movement, lim validityLimits) (bool, string) {
	closes := closesOf(candles)

	quoteVol := 0.0
	for _, c := range candles {
		quoteVol += c.Close * c.Volume
	}
	if quoteVol/float64(len(candles)) < lim.minLiquidity {
		return false, "illiquid"
	}

	rets := Returns(closes)
	if sampleStd(rets) > 0.5 {
		return false, "volatility"
	}
	extreme := 0
	for _, r := range rets {
		if math.Abs(r) > 0.3 {
			return false, "gap"
		}
		if math.Abs(r) > 0.1 {
			extreme++
		}
	}
	if float64(extreme) > 0.2*float64(len(candles)) {
		return false, "extreme candles"
	}

	unique := make(map[float64]struct{}, len(closes))
	for _, c := range closes {
		unique[c] = struct{}{}
	}
	if float64(len(unique)) < 0.3*float64(len(closes)) {
		return false, "frozen price"
	}

	if m.volumeRatio < lim.minVolumeRatio {
		return false, "volume too low for move"
	}
	return true, ""
}

func closesOf(candles []trading.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
