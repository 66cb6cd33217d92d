// Package signal turns indicator frames into entry decisions.
package signal

import (
	"perpbot-go/internal/indicator"
	"perpbot-go/internal/market"
)

// Direction is the outcome of evaluating one symbol.
type Direction int

const (
	None Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "NONE"
	}
}

// Params tunes the oscillator band and the dead-candle filter.
type Params struct {
	RSIFloor    float64 // lower edge of the long entry band, exclusive
	RSICeil     float64 // upper edge of the long entry band, exclusive
	MinRangePct float64 // minimum (high-low)/low on the last candle
}

// DefaultParams mirrors the conventional 40/70 band.
func DefaultParams() Params {
	return Params{RSIFloor: 40, RSICeil: 70, MinRangePct: 0}
}

// Evaluate is a pure function of the two most recent closed frames and candles.
// All four long conditions must hold for Long (trend, histogram zero-cross,
// rising RSI inside the band, live candle range); Short mirrors them with the
// RSI band reflected around 50. Anything ambiguous resolves to None.
func Evaluate(prev, last indicator.Frame, prevCandle, lastCandle market.Candle, p Params) Direction {
	if !prev.Defined || !last.Defined {
		return None
	}
	if lastCandle.Range() <= p.MinRangePct {
		return None
	}

	long := last.EmaFast > last.EmaSlow &&
		prev.MACDHist <= 0 && last.MACDHist > 0 &&
		last.RSI > prev.RSI &&
		last.RSI > p.RSIFloor && last.RSI < p.RSICeil

	shortFloor := 100 - p.RSICeil
	shortCeil := 100 - p.RSIFloor
	short := last.EmaFast < last.EmaSlow &&
		prev.MACDHist >= 0 && last.MACDHist < 0 &&
		last.RSI < prev.RSI &&
		last.RSI > shortFloor && last.RSI < shortCeil

	// Opposite trend gates make a double fire impossible; refuse to guess if
	// it ever happens anyway.
	if long == short {
		return None
	}
	if long {
		return Long
	}
	return Short
}
