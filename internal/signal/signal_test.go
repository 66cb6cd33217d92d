package signal

import (
	"testing"
	"time"

	"perpbot-go/internal/indicator"
	"perpbot-go/internal/market"
)

func longSetup() (indicator.Frame, indicator.Frame, market.Candle, market.Candle, Params) {
	prev := indicator.Frame{EmaFast: 100.5, EmaSlow: 100.4, RSI: 48, MACDHist: -0.02, Defined: true}
	last := indicator.Frame{EmaFast: 101.0, EmaSlow: 100.5, RSI: 55, MACDHist: 0.03, Defined: true}
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	prevCandle := market.Candle{OpenTime: ts, Open: 100, High: 101, Low: 99.5, Close: 100.8, Volume: 40}
	lastCandle := market.Candle{OpenTime: ts.Add(15 * time.Minute), Open: 100.8, High: 102, Low: 100.5, Close: 101.7, Volume: 60}
	return prev, last, prevCandle, lastCandle, Params{RSIFloor: 40, RSICeil: 70, MinRangePct: 0.002}
}

func TestEvaluateLong(t *testing.T) {
	prev, last, pc, lc, p := longSetup()
	if got := Evaluate(prev, last, pc, lc, p); got != Long {
		t.Fatalf("expected Long, got %s", got)
	}
}

func TestEvaluateConjunction(t *testing.T) {
	breakers := map[string]func(*indicator.Frame, *indicator.Frame, *market.Candle){
		"trend": func(prev, last *indicator.Frame, lc *market.Candle) {
			last.EmaFast = last.EmaSlow - 0.1
		},
		"histogram cross": func(prev, last *indicator.Frame, lc *market.Candle) {
			prev.MACDHist = 0.01 // no upward zero-cross
		},
		"rsi rising": func(prev, last *indicator.Frame, lc *market.Candle) {
			last.RSI = prev.RSI - 1
		},
		"rsi band": func(prev, last *indicator.Frame, lc *market.Candle) {
			prev.RSI = 71
			last.RSI = 75
		},
		"dead candle": func(prev, last *indicator.Frame, lc *market.Candle) {
			lc.High = lc.Low * 1.0001
		},
	}

	for name, breaker := range breakers {
		prev, last, pc, lc, p := longSetup()
		breaker(&prev, &last, &lc)
		if got := Evaluate(prev, last, pc, lc, p); got != None {
			t.Fatalf("breaking %s condition still produced %s", name, got)
		}
	}
}

func TestEvaluateShort(t *testing.T) {
	prev := indicator.Frame{EmaFast: 100.0, EmaSlow: 100.4, RSI: 52, MACDHist: 0.02, Defined: true}
	last := indicator.Frame{EmaFast: 99.6, EmaSlow: 100.2, RSI: 45, MACDHist: -0.03, Defined: true}
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	pc := market.Candle{OpenTime: ts, Open: 100.5, High: 100.8, Low: 99.8, Close: 100, Volume: 40}
	lc := market.Candle{OpenTime: ts.Add(15 * time.Minute), Open: 100, High: 100.2, Low: 98.9, Close: 99.1, Volume: 70}

	p := Params{RSIFloor: 40, RSICeil: 70, MinRangePct: 0.002}
	if got := Evaluate(prev, last, pc, lc, p); got != Short {
		t.Fatalf("expected Short, got %s", got)
	}
}

func TestEvaluateUndefinedFrames(t *testing.T) {
	prev, last, pc, lc, p := longSetup()
	prev.Defined = false
	if got := Evaluate(prev, last, pc, lc, p); got != None {
		t.Fatalf("expected None for undefined frame, got %s", got)
	}
}

func TestEvaluateRSIBandBoundaryExclusive(t *testing.T) {
	prev, last, pc, lc, p := longSetup()
	prev.RSI = 38
	last.RSI = 40 // exactly on the floor must not qualify
	if got := Evaluate(prev, last, pc, lc, p); got != None {
		t.Fatalf("expected None on the band edge, got %s", got)
	}
	last.RSI = 70 // ceiling edge
	if got := Evaluate(prev, last, pc, lc, p); got != None {
		t.Fatalf("expected None on the ceiling edge, got %s", got)
	}
}

func TestDirectionString(t *testing.T) {
	if None.String() != "NONE" || Long.String() != "LONG" || Short.String() != "SHORT" {
		t.Fatalf("unexpected direction strings: %s %s %s", None, Long, Short)
	}
}
