// Package indicator derives EMA, RSI, and MACD-histogram frames from candle series.
package indicator

import (
	"errors"
	"fmt"
	"math"

	"perpbot-go/internal/market"
)

// ErrInsufficientData marks candle series too short for the configured warm-up.
var ErrInsufficientData = errors.New("insufficient candle history")

// Frame carries the derived values for one candle index. Values are NaN and
// Defined is false until every indicator has warmed up.
type Frame struct {
	EmaFast  float64
	EmaSlow  float64
	RSI      float64
	MACDHist float64
	Defined  bool
}

// Config fixes the indicator windows. Zero values fall back to the
// conventional 12/26/9 MACD and 14-period RSI.
type Config struct {
	FastEMA   int
	SlowEMA   int
	SignalEMA int
	RSIPeriod int
}

func (c Config) withDefaults() Config {
	if c.FastEMA <= 0 {
		c.FastEMA = 12
	}
	if c.SlowEMA <= 0 {
		c.SlowEMA = 26
	}
	if c.SignalEMA <= 0 {
		c.SignalEMA = 9
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	return c
}

// Warmup returns the minimum number of candles needed for two defined frames,
// which is what signal evaluation requires. The MACD signal line is the longest
// chain: slow EMA warm-up plus its own smoothing window.
func (c Config) Warmup() int {
	c = c.withDefaults()
	longest := c.SlowEMA + c.SignalEMA
	if c.RSIPeriod+2 > longest {
		longest = c.RSIPeriod + 2
	}
	return longest
}

// Compute returns one Frame per candle. Frames before warm-up carry NaN values
// with Defined=false; callers must never evaluate them.
func Compute(candles []market.Candle, cfg Config) ([]Frame, error) {
	cfg = cfg.withDefaults()
	if len(candles) < cfg.Warmup() {
		return nil, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientData, len(candles), cfg.Warmup())
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	emaFast := emaSeries(closes, cfg.FastEMA)
	emaSlow := emaSeries(closes, cfg.SlowEMA)
	rsi := rsiSeries(closes, cfg.RSIPeriod)
	hist := macdHistogram(emaFast, emaSlow, cfg.SlowEMA, cfg.SignalEMA)

	frames := make([]Frame, len(candles))
	for i := range frames {
		frames[i] = Frame{
			EmaFast:  emaFast[i],
			EmaSlow:  emaSlow[i],
			RSI:      rsi[i],
			MACDHist: hist[i],
			Defined:  !math.IsNaN(emaFast[i]) && !math.IsNaN(emaSlow[i]) && !math.IsNaN(rsi[i]) && !math.IsNaN(hist[i]),
		}
	}
	return frames, nil
}

// emaSeries seeds the EMA with the simple average of the first w values rather
// than the first value alone, which would bias the warm-up.
func emaSeries(values []float64, w int) []float64 {
	out := nanSlice(len(values))
	if len(values) < w {
		return out
	}
	var sum float64
	for i := 0; i < w; i++ {
		sum += values[i]
	}
	ema := sum / float64(w)
	out[w-1] = ema
	alpha := 2.0 / (float64(w) + 1)
	for i := w; i < len(values); i++ {
		ema = (values[i]-ema)*alpha + ema
		out[i] = ema
	}
	return out
}

// rsiSeries computes Wilder-smoothed RSI. Values are NaN until w deltas exist;
// an all-gain window yields exactly 100.
func rsiSeries(closes []float64, w int) []float64 {
	out := nanSlice(len(closes))
	if len(closes) <= w {
		return out
	}

	var gains, losses float64
	for i := 1; i <= w; i++ {
		delta := closes[i] - closes[i-1]
		if delta >= 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(w)
	avgLoss := losses / float64(w)
	out[w] = rsiFromAverages(avgGain, avgLoss)

	for i := w + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta >= 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(w-1) + gain) / float64(w)
		avgLoss = (avgLoss*float64(w-1) + loss) / float64(w)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// macdHistogram subtracts the signal line (an EMA of the fast-slow spread) from
// the spread itself. The signal EMA is seeded by the simple average of the
// first signalW defined spread values.
func macdHistogram(emaFast, emaSlow []float64, slowW, signalW int) []float64 {
	out := nanSlice(len(emaFast))
	spreadStart := slowW - 1
	if spreadStart < 0 || len(emaFast) < spreadStart+signalW {
		return out
	}

	var sum float64
	for i := spreadStart; i < spreadStart+signalW; i++ {
		sum += emaFast[i] - emaSlow[i]
	}
	signal := sum / float64(signalW)
	seedIdx := spreadStart + signalW - 1
	out[seedIdx] = (emaFast[seedIdx] - emaSlow[seedIdx]) - signal

	alpha := 2.0 / (float64(signalW) + 1)
	for i := seedIdx + 1; i < len(emaFast); i++ {
		spread := emaFast[i] - emaSlow[i]
		signal = (spread-signal)*alpha + signal
		out[i] = spread - signal
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
