package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"perpbot-go/internal/market"
)

func candlesFromCloses(closes []float64) []market.Candle {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   50,
		}
	}
	return out
}

func TestComputeInsufficientData(t *testing.T) {
	cfg := Config{}
	closes := make([]float64, cfg.Warmup()-1)
	for i := range closes {
		closes[i] = 100
	}
	_, err := Compute(candlesFromCloses(closes), cfg)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestComputeConstantSeries(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 250
	}
	frames, err := Compute(candlesFromCloses(closes), Config{})
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if len(frames) != 60 {
		t.Fatalf("expected parallel frames, got %d", len(frames))
	}

	last := frames[len(frames)-1]
	if !last.Defined {
		t.Fatalf("expected last frame defined")
	}
	if math.Abs(last.EmaFast-250) > 1e-9 || math.Abs(last.EmaSlow-250) > 1e-9 {
		t.Fatalf("EMA did not converge to constant: fast=%f slow=%f", last.EmaFast, last.EmaSlow)
	}
	if last.RSI != 100 {
		t.Fatalf("expected RSI 100 for zero average loss, got %f", last.RSI)
	}
	if math.Abs(last.MACDHist) > 1e-9 {
		t.Fatalf("expected flat MACD histogram, got %f", last.MACDHist)
	}
}

func TestComputeWarmupUndefined(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
	}
	frames, err := Compute(candlesFromCloses(closes), Config{})
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	firstDefined := -1
	for i, f := range frames {
		if f.Defined {
			firstDefined = i
			break
		}
	}
	if firstDefined != 33 {
		t.Fatalf("expected first defined frame at 33, got %d", firstDefined)
	}
	for i := 0; i < firstDefined; i++ {
		if frames[i].Defined {
			t.Fatalf("frame %d defined before warm-up", i)
		}
		if !math.IsNaN(frames[i].MACDHist) {
			t.Fatalf("frame %d has non-NaN histogram before warm-up", i)
		}
	}
	for i := firstDefined; i < len(frames); i++ {
		if !frames[i].Defined {
			t.Fatalf("frame %d undefined after warm-up", i)
		}
	}
}

func TestRSIBounds(t *testing.T) {
	closes := make([]float64, 80)
	px := 100.0
	for i := range closes {
		if i%3 == 0 {
			px *= 1.02
		} else {
			px *= 0.995
		}
		closes[i] = px
	}
	frames, err := Compute(candlesFromCloses(closes), Config{})
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	for i, f := range frames {
		if !f.Defined {
			continue
		}
		if f.RSI < 0 || f.RSI > 100 {
			t.Fatalf("RSI out of bounds at %d: %f", i, f.RSI)
		}
	}
}

func TestRSIDropsOnDecline(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 200 - float64(i)
	}
	frames, err := Compute(candlesFromCloses(closes), Config{})
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	last := frames[len(frames)-1]
	if last.RSI > 5 {
		t.Fatalf("expected RSI near zero for monotone decline, got %f", last.RSI)
	}
}
