package scanner

import (
	"math"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/trading"
)

// Scoring turns indicator readings into normalized components and combines
// them into a composite. All weights and thresholds live here.
type Scoring struct {
	Weights        config.WeightsConfig
	LongThreshold  float64
	ShortThreshold float64
	MinAgreement   float64

	EMAFast         int
	EMASlow         int
	RSIPeriod       int
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	BollingerPeriod int
	BollingerStd    float64
	ATRPeriod       int
}

func ScoringFromConfig(cfg *config.Config) Scoring {
	s := cfg.Scanner
	return Scoring{
		Weights:         s.Weights,
		LongThreshold:   s.LongThreshold,
		ShortThreshold:  s.ShortThreshold,
		MinAgreement:    s.MinAgreement,
		EMAFast:         s.EMAFast,
		EMASlow:         s.EMASlow,
		RSIPeriod:       s.RSIPeriod,
		MACDFast:        s.MACDFast,
		MACDSlow:        s.MACDSlow,
		MACDSignal:      s.MACDSignal,
		BollingerPeriod: s.BollingerPeriod,
		BollingerStd:    s.BollingerStd,
		ATRPeriod:       14,
	}
}

// Components computes the indicator readings for candles and the move m.
func (sc Scoring) Components(candles []trading.Candle, m movement) trading.Components {
	n := len(candles)
	closes := closesOf(candles)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}
	price := closes[n-1]

	c := trading.Components{
		PriceChange: m.changePct,
		VolumeRatio: m.volumeRatio,
		RSI:         finite(RSI(closes, sc.RSIPeriod), 50),
		EMAFast:     finite(EMA(closes, sc.EMAFast), 0),
		EMASlow:     finite(EMA(closes, sc.EMASlow), 0),
		ATR:         finite(ATR(highs, lows, closes, sc.ATRPeriod), 0),
	}
	_, _, hist := MACD(closes, sc.MACDFast, sc.MACDSlow, sc.MACDSignal)
	c.MACDHistogram = finite(hist, 0)
	mid, up, _ := Bollinger(closes, sc.BollingerPeriod, sc.BollingerStd)
	if !math.IsNaN(mid) && up > mid {
		c.BollingerPosition = clamp((price-mid)/(up-mid), -2, 2)
	}

	// 0.5% of EMA divergence saturates the trend reading.
	if c.EMASlow > 0 {
		c.Trend = clamp(math.Tanh((c.EMAFast/c.EMASlow-1)*100/0.5), -1, 1)
	}
	rsi := clamp((c.RSI-50)/50, -1, 1)
	macd := 0.0
	if price > 0 {
		macd = clamp(math.Tanh(c.MACDHistogram/price*100/0.1), -1, 1)
	}
	c.Momentum = (rsi + macd) / 2
	c.Volatility = clamp(c.BollingerPosition, -1, 1)

	dir := 1.0
	if m.changePct < 0 {
		dir = -1
	}
	c.Volume = clamp(math.Tanh(m.volumeRatio-1)*dir, -1, 1)
	return c
}

// Composite returns the raw composite in [-1, 1]. Without an external score
// the indicator weights are re-normalized among themselves.
func (sc Scoring) Composite(c trading.Components) float64 {
	w := sc.Weights
	total := w.Trend + w.Momentum + w.Volatility + w.Volume
	if total == 0 {
		return 0
	}
	ind := (w.Trend*c.Trend + w.Momentum*c.Momentum + w.Volatility*c.Volatility + w.Volume*c.Volume) / total
	if c.External == nil || w.External == 0 {
		return clamp(ind, -1, 1)
	}
	return clamp((1-w.External)*ind+w.External*clamp(*c.External, -1, 1), -1, 1)
}

// agreement is the share of non-zero components whose sign matches raw.
func agreement(c trading.Components, raw float64) float64 {
	vals := []float64{c.Trend, c.Momentum, c.Volatility, c.Volume}
	if c.External != nil {
		vals = append(vals, *c.External)
	}
	total, same := 0, 0
	for _, v := range vals {
		if v == 0 {
			continue
		}
		total++
		if (v > 0) == (raw > 0) {
			same++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(same) / float64(total)
}

// Decide maps components to a side and a score in [0, 1]. ok is false when
// the composite sits between the thresholds or the components disagree.
func (sc Scoring) Decide(c *trading.Components) (side trading.Side, score float64, ok bool) {
	raw := sc.Composite(*c)
	c.Agreement = agreement(*c, raw)
	score = (raw + 1) / 2

	switch {
	case raw >= sc.LongThreshold:
		side = trading.SideLong
	case raw <= sc.ShortThreshold:
		side = trading.SideShort
	default:
		return "", score, false
	}
	if c.Agreement < sc.MinAgreement {
		return "", score, false
	}
	return side, score, true
}

func finite(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
